package symbols

import (
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ReadFeedYAML reads declaration records from r. The stream may hold one
// record per document, a list of records per document, or a mix of both.
func ReadFeedYAML(r io.Reader) ([]TypeInfo, error) {
	var infos []TypeInfo
	dec := yaml.NewDecoder(r)
	for doc := 0; ; doc++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if err == io.EOF {
			return infos, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "symbol feed document %d", doc)
		}
		root := &node
		if root.Kind == yaml.DocumentNode && len(root.Content) == 1 {
			root = root.Content[0]
		}
		switch root.Kind {
		case yaml.SequenceNode:
			var list []TypeInfo
			if err := root.Decode(&list); err != nil {
				return nil, errors.Wrapf(err, "symbol feed document %d", doc)
			}
			infos = append(infos, list...)
		case yaml.MappingNode:
			var info TypeInfo
			if err := root.Decode(&info); err != nil {
				return nil, errors.Wrapf(err, "symbol feed document %d", doc)
			}
			infos = append(infos, info)
		case 0, yaml.DocumentNode:
			// empty document
		case yaml.ScalarNode:
			if root.ShortTag() != "!!null" {
				return nil, errors.Errorf("symbol feed document %d: expected a record or a list of records (line %d)", doc, root.Line)
			}
		default:
			return nil, errors.Errorf("symbol feed document %d: expected a record or a list of records (line %d)", doc, root.Line)
		}
	}
}

// LoadFeedYAML reads all records from r and adds them to f.
func (f *Factory) LoadFeedYAML(r io.Reader) error {
	infos, err := ReadFeedYAML(r)
	if err != nil {
		return err
	}
	return f.AddSymbols(infos)
}
