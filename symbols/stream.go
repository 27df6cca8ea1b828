package symbols

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Symbol cache format. The header is uncompressed: the magic string and
// the version as a uvarint. The zstd-compressed body is a sequence of
// records, each starting with a uvarint tag. Integers are varints.
//
// Version 1 holds compile units, types, id aliases and variables.
// Version 2 adds alternative reference types and their expressions.
// Version 3 adds the bit-field geometry of members.
const (
	streamMagic      = "IVMISYM\n"
	StreamVersion    = 3
	minStreamVersion = 1
)

const (
	tagEOF = iota
	tagUnit
	tagType
	tagVar
	tagAlias
	tagAlt
)

// owner kinds of tagAlt records
const (
	altOwnerType = iota + 1
	altOwnerMember
	altOwnerVar
)

// expression tags
const (
	exprNil = iota
	exprConst
	exprRuntime
	exprUndefined
	exprUnary
	exprBinary
	exprVar
)

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// encoder writes varint fields. The first error sticks.
type encoder struct {
	w   *bufio.Writer
	buf [binary.MaxVarintLen64]byte
	err error
}

func (e *encoder) uint(v uint64) {
	if e.err != nil {
		return
	}
	n := binary.PutUvarint(e.buf[:], v)
	_, e.err = e.w.Write(e.buf[:n])
}

func (e *encoder) int(v int64) {
	if e.err != nil {
		return
	}
	n := binary.PutVarint(e.buf[:], v)
	_, e.err = e.w.Write(e.buf[:n])
}

func (e *encoder) str(s string) {
	e.uint(uint64(len(s)))
	if e.err == nil {
		_, e.err = e.w.WriteString(s)
	}
}

func (e *encoder) bool(b bool) {
	if b {
		e.uint(1)
	} else {
		e.uint(0)
	}
}

// WriteTo writes all compile units, canonical types, id aliases,
// variables and alternative reference types to w in the current version.
func (f *Factory) WriteTo(w io.Writer) (int64, error) {
	return f.writeVersion(w, StreamVersion)
}

func (f *Factory) writeVersion(w io.Writer, version int) (int64, error) {
	cw := &countingWriter{w: w}
	if _, err := io.WriteString(cw, streamMagic); err != nil {
		return cw.n, err
	}
	var vbuf [binary.MaxVarintLen64]byte
	if _, err := cw.Write(vbuf[:binary.PutUvarint(vbuf[:], uint64(version))]); err != nil {
		return cw.n, err
	}
	zw, err := zstd.NewWriter(cw)
	if err != nil {
		return cw.n, err
	}
	e := &encoder{w: bufio.NewWriter(zw)}

	for _, u := range f.sortedUnits() {
		e.uint(tagUnit)
		e.int(int64(u.ID))
		e.str(u.Name)
		e.str(u.Dir)
	}
	for _, t := range f.types {
		if t.ID() <= 0 {
			continue
		}
		e.uint(tagType)
		e.typeInfo(typeInfoOf(t), version)
	}
	for _, t := range f.types {
		for _, id := range f.equivalent[t] {
			if id != t.ID() {
				e.uint(tagAlias)
				e.int(int64(id))
				e.int(int64(t.ID()))
			}
		}
	}
	for _, v := range f.VarsByID() {
		e.uint(tagVar)
		e.int(int64(v.id))
		e.str(v.name)
		e.int(int64(v.origRefTypeID))
		e.uint(v.addr)
		e.int(int64(v.srcFile))
		e.int(int64(v.srcLine))
		e.bool(v.external)
	}
	if version >= 2 {
		f.writeAlts(e)
	}
	e.uint(tagEOF)

	if e.err == nil {
		e.err = e.w.Flush()
	}
	if err := zw.Close(); e.err == nil {
		e.err = err
	}
	return cw.n, e.err
}

func (f *Factory) sortedUnits() []*CompileUnit {
	list := make([]*CompileUnit, 0, len(f.units))
	for _, u := range f.units {
		list = append(list, u)
	}
	slices.SortFunc(list, func(a, b *CompileUnit) int { return a.ID - b.ID })
	return list
}

func (f *Factory) writeAlts(e *encoder) {
	alt := func(owner, id, index int, a AltRefType) {
		e.uint(tagAlt)
		e.uint(uint64(owner))
		e.int(int64(id))
		e.int(int64(index))
		e.int(int64(a.ID))
		e.expr(a.Expr)
	}
	// reverse order so that re-adding restores the list order
	for _, t := range f.types {
		if rt, ok := t.(RefBaseType); ok && t.ID() > 0 {
			alts := rt.AltRefTypes()
			for i := len(alts) - 1; i >= 0; i-- {
				alt(altOwnerType, t.ID(), 0, alts[i])
			}
		}
		if s, ok := t.(*StructuredType); ok && t.ID() > 0 {
			for mi, m := range s.Members {
				for i := len(m.altRefTypes) - 1; i >= 0; i-- {
					alt(altOwnerMember, t.ID(), mi, m.altRefTypes[i])
				}
			}
		}
	}
	for _, v := range f.VarsByID() {
		for i := len(v.altRefTypes) - 1; i >= 0; i-- {
			alt(altOwnerVar, v.id, 0, v.altRefTypes[i])
		}
	}
}

func (e *encoder) typeInfo(info *TypeInfo, version int) {
	e.uint(uint64(info.Kind))
	e.int(int64(info.ID))
	e.int(int64(info.RefTypeID))
	e.str(info.Name)
	e.uint(info.ByteSize)
	e.uint(uint64(info.Encoding))
	e.int(int64(info.SrcFile))
	e.int(int64(info.SrcLine))
	e.bool(info.External)
	e.bool(info.Declaration)
	e.bool(info.UpperBound != nil)
	if info.UpperBound != nil {
		e.int(*info.UpperBound)
	}
	e.uint(uint64(len(info.EnumValues)))
	for _, v := range info.EnumValues {
		e.str(v.Name)
		e.int(v.Value)
	}
	e.uint(uint64(len(info.Members)))
	for _, m := range info.Members {
		e.str(m.Name)
		e.int(int64(m.RefTypeID))
		e.uint(*m.Location)
		if version >= 3 {
			e.int(int64(m.BitSize))
			e.int(int64(m.BitOffset))
		}
	}
	e.uint(uint64(len(info.Params)))
	for _, p := range info.Params {
		e.str(p.Name)
		e.int(int64(p.RefTypeID))
	}
}

func (e *encoder) expr(x Expression) {
	switch x := x.(type) {
	case nil:
		e.uint(exprNil)
	case *ConstExpr:
		e.uint(exprConst)
		e.uint(uint64(x.Value.Kind))
		e.uint(uint64(x.Value.Size))
		e.bool(x.Value.Signed)
		e.uint(x.Value.u)
		e.uint(math.Float64bits(x.Value.f))
	case RuntimeExpr:
		e.uint(exprRuntime)
	case UndefinedExpr:
		e.uint(exprUndefined)
	case *UnaryExpr:
		e.uint(exprUnary)
		e.uint(uint64(x.Op))
		e.expr(x.X)
	case *BinaryExpr:
		e.uint(exprBinary)
		e.uint(uint64(x.Op))
		e.expr(x.L)
		e.expr(x.R)
	case *VarExpr:
		e.uint(exprVar)
		id := 0
		if x.Type != nil {
			id = x.Type.ID()
		}
		e.int(int64(id))
		vid := 0
		if x.Var != nil {
			vid = x.Var.id
		}
		e.int(int64(vid))
		e.uint(uint64(len(x.Transforms)))
		for _, t := range x.Transforms {
			e.uint(uint64(t.Op))
			e.str(t.Member)
			e.int(int64(t.Index))
		}
	default:
		e.err = errors.Errorf("cannot encode expression %T", x)
	}
}

// typeInfoOf converts a canonical type back into its declaration record.
// References carry their original ids.
func typeInfoOf(t Type) *TypeInfo {
	b := t.base()
	info := &TypeInfo{ID: b.id, Name: b.name, ByteSize: b.size, SrcFile: b.srcFile, SrcLine: b.srcLine}
	if rt, ok := t.(RefBaseType); ok {
		info.RefTypeID = rt.OrigRefTypeID()
	}
	switch t := t.(type) {
	case *NumericType:
		info.Kind = DeclBase
		switch {
		case t.kind&SignedIntegers != 0:
			info.Encoding = EncodingSigned
		case t.kind&UnsignedIntegers != 0:
			info.Encoding = EncodingUnsigned
		case t.kind&BoolTypes != 0:
			info.Encoding = EncodingBoolean
		default:
			info.Encoding = EncodingFloat
		}
	case *EnumType:
		info.Kind = DeclEnum
		info.EnumValues = t.Values
	case *VoidType:
		info.Kind = DeclVoid
	case *PointerType:
		info.Kind = DeclPointer
	case *ArrayType:
		info.Kind = DeclArray
		if t.Length >= 0 {
			ub := t.Length - 1
			info.UpperBound = &ub
		}
	case *ConstType:
		info.Kind = DeclConst
	case *VolatileType:
		info.Kind = DeclVolatile
	case *TypedefType:
		info.Kind = DeclTypedef
	case *FuncPointerType:
		info.Kind = DeclSubroutine
		if t.kind == KindFunction {
			info.Kind = DeclFunction
		}
		for _, p := range t.Params {
			info.Params = append(info.Params, TypeInfo{Kind: DeclMember, Name: p.Name, RefTypeID: p.origRefTypeID})
		}
	case *StructuredType:
		info.Kind = DeclStruct
		if t.kind == KindUnion {
			info.Kind = DeclUnion
		}
		for _, m := range t.Members {
			off := m.Offset
			info.Members = append(info.Members, TypeInfo{
				Kind:      DeclMember,
				Name:      m.Name,
				RefTypeID: m.origRefTypeID,
				Location:  &off,
				BitSize:   m.BitSize,
				BitOffset: m.BitOffset,
				SrcLine:   m.srcLine,
			})
		}
	}
	return info
}

// decoder reads varint fields. The first error sticks.
type decoder struct {
	r   *bufio.Reader
	err error
}

func (d *decoder) uint() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(d.r)
	d.err = err
	return v
}

func (d *decoder) int() int64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadVarint(d.r)
	d.err = err
	return v
}

func (d *decoder) str() string {
	n := d.uint()
	if d.err != nil {
		return ""
	}
	if n > 1<<20 {
		d.err = errors.Errorf("string of %d bytes", n)
		return ""
	}
	b := make([]byte, n)
	_, d.err = io.ReadFull(d.r, b)
	return string(b)
}

func (d *decoder) bool() bool { return d.uint() != 0 }

// count reads a list length and checks it against max.
func (d *decoder) count(max uint64) int {
	n := d.uint()
	if n > max {
		d.err = errors.Errorf("list of %d entries exceeds %d", n, max)
		return 0
	}
	return int(n)
}

// ReadFrom loads a symbol cache written by WriteTo into f, which should be
// empty. Records are replayed through AddSymbol.
func (f *Factory) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	br := bufio.NewReader(cr)
	magic := make([]byte, len(streamMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return cr.n, errors.Wrap(err, "reading symbol cache header")
	}
	if string(magic) != streamMagic {
		return cr.n, errors.New("not a symbol cache")
	}
	version, err := binary.ReadUvarint(br)
	if err != nil {
		return cr.n, errors.Wrap(err, "reading symbol cache version")
	}
	if version < minStreamVersion || version > StreamVersion {
		return cr.n, errors.Errorf("unsupported symbol cache version %d", version)
	}
	zr, err := zstd.NewReader(br)
	if err != nil {
		return cr.n, err
	}
	defer zr.Close()
	d := &decoder{r: bufio.NewReader(zr)}

	const maxList = 1 << 20
	for record := 0; ; record++ {
		tag := d.uint()
		if d.err != nil {
			return cr.n, errors.Wrapf(d.err, "symbol cache record %d", record)
		}
		switch tag {
		case tagEOF:
			f.log.V(1).Info("symbol cache loaded", "version", version, "records", record)
			return cr.n, nil

		case tagUnit:
			u := &CompileUnit{ID: int(d.int()), Name: d.str(), Dir: d.str()}
			if d.err == nil {
				f.units[u.ID] = u
			}

		case tagType:
			info := d.typeInfo(int(version), maxList)
			if d.err == nil {
				if err := f.AddSymbol(info); err != nil {
					return cr.n, errors.Wrapf(err, "symbol cache record %d", record)
				}
			}

		case tagAlias:
			id, cid := int(d.int()), int(d.int())
			if d.err == nil {
				if err := f.addAlias(id, cid); err != nil {
					return cr.n, errors.Wrapf(err, "symbol cache record %d", record)
				}
			}

		case tagVar:
			info := TypeInfo{Kind: DeclVariable}
			info.ID = int(d.int())
			info.Name = d.str()
			info.RefTypeID = int(d.int())
			addr := d.uint()
			info.Location = &addr
			info.SrcFile = int(d.int())
			info.SrcLine = int(d.int())
			info.External = d.bool()
			if d.err == nil {
				if err := f.AddSymbol(info); err != nil {
					return cr.n, errors.Wrapf(err, "symbol cache record %d", record)
				}
			}

		case tagAlt:
			if version < 2 {
				return cr.n, errors.Errorf("symbol cache record %d: alternative type in version %d", record, version)
			}
			owner, id, index, altID := int(d.uint()), int(d.int()), int(d.int()), int(d.int())
			expr := d.expr(f, 0)
			if d.err == nil {
				if err := f.readAlt(owner, id, index, altID, expr); err != nil {
					return cr.n, errors.Wrapf(err, "symbol cache record %d", record)
				}
			}

		default:
			return cr.n, errors.Errorf("symbol cache record %d: unknown tag %d", record, tag)
		}
		if d.err != nil {
			return cr.n, errors.Wrapf(d.err, "symbol cache record %d", record)
		}
	}
}

func (d *decoder) typeInfo(version, maxList int) TypeInfo {
	var info TypeInfo
	info.Kind = DeclKind(d.uint())
	info.ID = int(d.int())
	info.RefTypeID = int(d.int())
	info.Name = d.str()
	info.ByteSize = d.uint()
	info.Encoding = Encoding(d.uint())
	info.SrcFile = int(d.int())
	info.SrcLine = int(d.int())
	info.External = d.bool()
	info.Declaration = d.bool()
	if d.bool() {
		ub := d.int()
		info.UpperBound = &ub
	}
	for n := d.count(uint64(maxList)); n > 0 && d.err == nil; n-- {
		info.EnumValues = append(info.EnumValues, EnumValue{Name: d.str(), Value: d.int()})
	}
	for n := d.count(uint64(maxList)); n > 0 && d.err == nil; n-- {
		m := TypeInfo{Kind: DeclMember, Name: d.str(), RefTypeID: int(d.int())}
		off := d.uint()
		m.Location = &off
		if version >= 3 {
			m.BitSize = int(d.int())
			m.BitOffset = int(d.int())
		}
		info.Members = append(info.Members, m)
	}
	for n := d.count(uint64(maxList)); n > 0 && d.err == nil; n-- {
		info.Params = append(info.Params, TypeInfo{Kind: DeclMember, Name: d.str(), RefTypeID: int(d.int())})
	}
	return info
}

func (d *decoder) expr(f *Factory, depth int) Expression {
	if depth > 64 {
		d.err = errors.New("expression nesting too deep")
		return nil
	}
	switch tag := d.uint(); tag {
	case exprNil:
		return nil
	case exprConst:
		var v ExpressionResult
		v.Kind = ResultKind(d.uint())
		v.Size = ResultSize(d.uint())
		v.Signed = d.bool()
		v.u = d.uint()
		v.f = math.Float64frombits(d.uint())
		return &ConstExpr{Value: v}
	case exprRuntime:
		return RuntimeExpr{}
	case exprUndefined:
		return UndefinedExpr{}
	case exprUnary:
		op := UnaryOp(d.uint())
		return &UnaryExpr{Op: op, X: d.expr(f, depth+1)}
	case exprBinary:
		op := BinaryOp(d.uint())
		l := d.expr(f, depth+1)
		return &BinaryExpr{Op: op, L: l, R: d.expr(f, depth+1)}
	case exprVar:
		x := &VarExpr{}
		if id := int(d.int()); id != 0 {
			x.Type = f.typesByID[id]
		}
		if vid := int(d.int()); vid != 0 {
			x.Var = f.varsByID[vid]
		}
		for n := d.count(1 << 10); n > 0 && d.err == nil; n-- {
			t := Transform{Op: TransformOp(d.uint())}
			t.Member = d.str()
			t.Index = int(d.int())
			x.Transforms = append(x.Transforms, t)
		}
		return x
	default:
		if d.err == nil {
			d.err = errors.Errorf("unknown expression tag %d", tag)
		}
		return nil
	}
}

// addAlias maps id to the canonical type registered under cid.
func (f *Factory) addAlias(id, cid int) error {
	c, ok := f.typesByID[cid]
	if !ok {
		return errors.Wrapf(ErrNotFound, "canonical type 0x%x of alias 0x%x", cid, id)
	}
	if _, ok := f.typesByID[id]; ok {
		// collapsed again while replaying
		return nil
	}
	f.typesByID[id] = c
	f.equivalent[c] = append(f.equivalent[c], id)
	f.resolvePending(id, c)
	return nil
}

func (f *Factory) readAlt(owner, id, index, altID int, expr Expression) error {
	target, ok := f.typesByID[altID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "alternative type 0x%x", altID)
	}
	var r *ReferencingType
	switch owner {
	case altOwnerType:
		t, ok := f.typesByID[id]
		rt, isRef := t.(RefBaseType)
		if !ok || !isRef {
			return errors.Errorf("type 0x%x cannot carry alternative types", id)
		}
		r = rt.referencing()
	case altOwnerMember:
		t, ok := f.typesByID[id]
		s, isStruct := t.(*StructuredType)
		if !ok || !isStruct || index < 0 || index >= len(s.Members) {
			return errors.Errorf("no member %d in type 0x%x", index, id)
		}
		r = &s.Members[index].ReferencingType
	case altOwnerVar:
		v, ok := f.varsByID[id]
		if !ok {
			return errors.Wrapf(ErrNotFound, "variable 0x%x", id)
		}
		r = &v.ReferencingType
	default:
		return errors.Errorf("unknown owner kind %d", owner)
	}
	f.addAltRefType(r, target, expr)
	return nil
}
