package symbols

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	dwOpAddr       = 0x03
	dwOpPlusUconst = 0x23
)

// dwarfID maps a DWARF offset to a record id. Offsets start at zero but ids
// must be positive.
func dwarfID(off dwarf.Offset) int { return int(off) + 1 }

// ReadFeedELF opens an ELF file with debug info and converts it.
func ReadFeedELF(path string) ([]TypeInfo, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open ELF")
	}
	defer ef.Close()
	d, err := ef.DWARF()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading DWARF", path)
	}
	return ReadFeedDWARF(d)
}

// ReadFeedDWARF converts the type, compile unit and global variable
// entries of d into declaration records. Entries of other tags are
// skipped.
func ReadFeedDWARF(d *dwarf.Data) ([]TypeInfo, error) {
	var (
		records []*TypeInfo
		decls   = make(map[dwarf.Offset]*TypeInfo) // variable declarations
		stack   []*TypeInfo                        // parent record per nesting level, nil if skipped
		unit    *TypeInfo
	)
	parent := func() *TypeInfo {
		if len(stack) == 0 {
			return nil
		}
		return stack[len(stack)-1]
	}

	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return nil, errors.Wrap(err, "reading DWARF entry")
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		var rec *TypeInfo
		p := parent()
		switch e.Tag {
		case dwarf.TagCompileUnit:
			rec = &TypeInfo{Kind: DeclCompileUnit}
			rec.SrcDir, _ = e.Val(dwarf.AttrCompDir).(string)
			unit = rec
		case dwarf.TagBaseType:
			rec = &TypeInfo{Kind: DeclBase}
			rec.Encoding = dwarfEncoding(e)
			size, _ := e.Val(dwarf.AttrByteSize).(int64)
			if _, ok := numericKind(rec.Encoding, uint64(size)); !ok {
				// complex and vector types; references to them stay pending
				rec = nil
			}
		case dwarf.TagPointerType:
			rec = &TypeInfo{Kind: DeclPointer}
		case dwarf.TagArrayType:
			rec = &TypeInfo{Kind: DeclArray}
		case dwarf.TagConstType:
			rec = &TypeInfo{Kind: DeclConst}
		case dwarf.TagVolatileType:
			rec = &TypeInfo{Kind: DeclVolatile}
		case dwarf.TagTypedef:
			rec = &TypeInfo{Kind: DeclTypedef}
		case dwarf.TagStructType:
			rec = &TypeInfo{Kind: DeclStruct}
		case dwarf.TagUnionType:
			rec = &TypeInfo{Kind: DeclUnion}
		case dwarf.TagEnumerationType:
			rec = &TypeInfo{Kind: DeclEnum}
		case dwarf.TagSubroutineType:
			rec = &TypeInfo{Kind: DeclSubroutine}
		case dwarf.TagSubprogram:
			rec = &TypeInfo{Kind: DeclFunction}
		case dwarf.TagVariable:
			if p == nil || p.Kind != DeclCompileUnit {
				break
			}
			rec = &TypeInfo{Kind: DeclVariable}
		case dwarf.TagMember:
			if p != nil && (p.Kind == DeclStruct || p.Kind == DeclUnion) {
				p.Members = append(p.Members, dwarfMember(e))
			}
		case dwarf.TagEnumerator:
			if p != nil && p.Kind == DeclEnum {
				name, _ := e.Val(dwarf.AttrName).(string)
				v, _ := e.Val(dwarf.AttrConstValue).(int64)
				p.EnumValues = append(p.EnumValues, EnumValue{Name: name, Value: v})
			}
		case dwarf.TagSubrangeType:
			if p != nil && p.Kind == DeclArray && p.UpperBound == nil {
				if ub, ok := e.Val(dwarf.AttrUpperBound).(int64); ok {
					p.UpperBound = &ub
				} else if n, ok := e.Val(dwarf.AttrCount).(int64); ok {
					ub := n - 1
					p.UpperBound = &ub
				}
			}
		case dwarf.TagFormalParameter:
			if p != nil && (p.Kind == DeclSubroutine || p.Kind == DeclFunction) {
				param := TypeInfo{Kind: DeclMember}
				param.Name, _ = e.Val(dwarf.AttrName).(string)
				if off, ok := e.Val(dwarf.AttrType).(dwarf.Offset); ok {
					param.RefTypeID = dwarfID(off)
				}
				p.Params = append(p.Params, param)
			}
		}

		if rec != nil {
			rec.ID = dwarfID(e.Offset)
			if name, ok := e.Val(dwarf.AttrName).(string); ok {
				rec.Name = name
			}
			if size, ok := e.Val(dwarf.AttrByteSize).(int64); ok {
				rec.ByteSize = uint64(size)
			}
			if off, ok := e.Val(dwarf.AttrType).(dwarf.Offset); ok {
				rec.RefTypeID = dwarfID(off)
			}
			if line, ok := e.Val(dwarf.AttrDeclLine).(int64); ok {
				rec.SrcLine = int(line)
			}
			if unit != nil && rec.Kind != DeclCompileUnit {
				rec.SrcFile = unit.ID
			}
			rec.External, _ = e.Val(dwarf.AttrExternal).(bool)
			rec.Declaration, _ = e.Val(dwarf.AttrDeclaration).(bool)

			if rec.Kind == DeclVariable {
				rec = dwarfVariable(e, rec, decls)
			}
			if rec != nil {
				records = append(records, rec)
			}
		}

		if e.Children {
			stack = append(stack, rec)
		}
	}

	infos := make([]TypeInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, *rec)
	}
	return infos, nil
}

// dwarfVariable completes a global variable record. Declarations are
// remembered for the definitions referring to them and are not returned.
func dwarfVariable(e *dwarf.Entry, rec *TypeInfo, decls map[dwarf.Offset]*TypeInfo) *TypeInfo {
	if spec, ok := e.Val(dwarf.AttrSpecification).(dwarf.Offset); ok {
		if d, ok := decls[spec]; ok {
			if rec.Name == "" {
				rec.Name = d.Name
			}
			if rec.RefTypeID == 0 {
				rec.RefTypeID = d.RefTypeID
			}
			rec.External = rec.External || d.External
		}
	}
	loc, ok := e.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(loc) < 2 || loc[0] != dwOpAddr {
		if rec.Declaration {
			decls[e.Offset] = rec
		}
		return nil
	}
	var addr uint64
	switch len(loc) - 1 {
	case 4:
		addr = uint64(binary.LittleEndian.Uint32(loc[1:]))
	case 8:
		addr = binary.LittleEndian.Uint64(loc[1:])
	default:
		return nil
	}
	if addr == 0 {
		return nil
	}
	rec.Location = &addr
	rec.Declaration = false
	return rec
}

func dwarfMember(e *dwarf.Entry) TypeInfo {
	m := TypeInfo{Kind: DeclMember}
	m.Name, _ = e.Val(dwarf.AttrName).(string)
	if off, ok := e.Val(dwarf.AttrType).(dwarf.Offset); ok {
		m.RefTypeID = dwarfID(off)
	}
	if line, ok := e.Val(dwarf.AttrDeclLine).(int64); ok {
		m.SrcLine = int(line)
	}
	var loc uint64
	switch v := e.Val(dwarf.AttrDataMemberLoc).(type) {
	case int64:
		loc = uint64(v)
	case []byte:
		if len(v) > 1 && v[0] == dwOpPlusUconst {
			loc = uleb128(v[1:])
		}
	}
	size, _ := e.Val(dwarf.AttrByteSize).(int64)
	if bs, ok := e.Val(dwarf.AttrBitSize).(int64); ok {
		m.BitSize = int(bs)
		if bo, ok := e.Val(dwarf.AttrBitOffset).(int64); ok {
			m.BitOffset = int(bo)
		} else if dbo, ok := e.Val(dwarf.AttrDataBitOffset).(int64); ok && size > 0 {
			// DWARF 4 counts from the least significant bit of the struct
			unitBits := size * 8
			start := dbo / unitBits * unitBits
			loc = uint64(start / 8)
			m.BitOffset = int(unitBits - (dbo - start) - bs)
		}
	}
	m.Location = &loc
	return m
}

func dwarfEncoding(e *dwarf.Entry) Encoding {
	enc, _ := e.Val(dwarf.AttrEncoding).(int64)
	switch enc {
	case 0x02:
		return EncodingBoolean
	case 0x04:
		return EncodingFloat
	case 0x05:
		return EncodingSigned
	case 0x06:
		return EncodingSignedChar
	case 0x07:
		return EncodingUnsigned
	case 0x08:
		return EncodingUnsignedChar
	}
	return EncodingNone
}

func uleb128(b []byte) uint64 {
	var v uint64
	var shift uint
	for _, c := range b {
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			break
		}
		shift += 7
	}
	return v
}
