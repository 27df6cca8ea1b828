package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/allewwaly/insight-vmi-sub004/asteval"
	"github.com/allewwaly/insight-vmi-sub004/memmap"
	"github.com/allewwaly/insight-vmi-sub004/symbols"
	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

// A Session bundles what the commands load before they can look at a
// snapshot: the memory specifications, the symbols and the image.
type Session struct {
	Options Options
	Specs   vmem.MemSpecs
	Factory *symbols.Factory
	Image   *vmem.Image
	Log     logr.Logger

	// Sources holds the evaluation counters if sources were evaluated.
	Sources asteval.Stats
}

// Open loads the symbols and opens the image named by o. Symbols read
// from a feed are refined by evaluating o.Sources and then written to the
// symbol cache. The image is optional; without one Session.Image is nil.
func Open(ctx context.Context, o Options, log logr.Logger) (*Session, error) {
	s := &Session{Options: o, Log: log}
	var err error
	if s.Specs, err = o.MemSpecs(); err != nil {
		return nil, err
	}
	fromCache, err := s.loadSymbols()
	if err != nil {
		return nil, err
	}
	if !fromCache {
		if len(o.Sources) > 0 {
			if err := s.evaluateSources(ctx); err != nil {
				return nil, err
			}
		}
		if err := s.writeCache(); err != nil {
			return nil, err
		}
	}
	if o.Image != "" {
		s.Image, err = vmem.OpenImage(o.Image, o.ImageBase, s.Specs, vmem.WithLogger(log))
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close releases the image.
func (s *Session) Close() error {
	if s.Image == nil {
		return nil
	}
	return s.Image.Close()
}

// NewMap returns an empty memory map over the session's image.
func (s *Session) NewMap() (*memmap.Map, error) {
	if s.Image == nil {
		return nil, errors.New("no memory image given")
	}
	return memmap.NewMap(s.Factory, s.Image, memmap.WithLogger(s.Log)), nil
}

func (s *Session) loadSymbols() (fromCache bool, err error) {
	o := &s.Options
	s.Factory = symbols.NewFactory(s.Specs, o.FactoryOptions(s.Log)...)
	if o.SymbolCache != "" {
		f, err := os.Open(o.SymbolCache)
		switch {
		case err == nil:
			defer f.Close()
			if _, err := s.Factory.ReadFrom(f); err != nil {
				return false, errors.Wrapf(err, "reading %s", o.SymbolCache)
			}
			s.Factory.SymbolsFinished()
			return true, nil
		case !os.IsNotExist(err):
			return false, errors.Wrap(err, "opening symbol cache")
		}
	}
	if o.Symbols == "" {
		return false, errors.New("no symbols given")
	}
	infos, err := readFeed(o.Symbols)
	if err != nil {
		return false, err
	}
	if err := s.Factory.AddSymbols(infos); err != nil {
		return false, errors.Wrapf(err, "loading %s", o.Symbols)
	}
	s.Factory.SymbolsFinished()
	return false, nil
}

// readFeed reads a YAML feed, or the DWARF info of anything else.
func readFeed(path string) ([]symbols.TypeInfo, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "opening symbol feed")
		}
		defer f.Close()
		return symbols.ReadFeedYAML(f)
	}
	return symbols.ReadFeedELF(path)
}

func (s *Session) evaluateSources(ctx context.Context) error {
	o := &s.Options
	k := asteval.NewKernelSourceEvaluator(s.Factory, s.Log)
	st, err := asteval.EvaluateSources(ctx, k, o.Sources, o.Workers, o.EvaluatorOptions(s.Specs, s.Log)...)
	s.Sources = st
	if err != nil {
		return err
	}
	added, ignored, failed := k.Counts()
	s.Log.Info("sources evaluated", "files", len(o.Sources), "typeChanges", st.TypeChanges,
		"added", added, "ignored", ignored, "failed", failed, "skippedExprs", st.SkippedExprs)
	return nil
}

func (s *Session) writeCache() error {
	path := s.Options.SymbolCache
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating symbol cache")
	}
	if _, err := s.Factory.WriteTo(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return errors.Wrapf(f.Close(), "writing %s", path)
}
