package bindrelease

import (
	"debug/elf"
	"debug/macho"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ProbeSymbols reports the first symbol of the shared library at path whose
// name starts with prefix.
//
// ELF files are searched in the dynamic symbol table first and then the
// static one; Mach-O files in their symbol table, where C symbols carry a
// leading underscore. When no symbol matches, the returned error wraps
// ErrMetadataMissing. The check is deterministic and never retried.
func ProbeSymbols(path, prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("%w: empty metadata prefix", ErrConfig)
	}

	names, err := exportedSymbols(path)
	if err != nil {
		return "", err
	}

	for _, name := range names {
		if strings.HasPrefix(name, prefix) || strings.HasPrefix(name, "_"+prefix) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no symbol with prefix %q in %s", ErrMetadataMissing, prefix, path)
}

func exportedSymbols(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if ef, err := elf.NewFile(f); err == nil {
		defer ef.Close()
		return elfSymbols(ef)
	}

	if mf, err := macho.NewFile(f); err == nil {
		defer mf.Close()
		if mf.Symtab == nil {
			return nil, nil
		}
		names := make([]string, 0, len(mf.Symtab.Syms))
		for _, s := range mf.Symtab.Syms {
			names = append(names, s.Name)
		}
		return names, nil
	}

	return nil, fmt.Errorf("%s is neither an ELF nor a Mach-O file", path)
}

func elfSymbols(ef *elf.File) ([]string, error) {
	var names []string

	dyn, err := ef.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	for _, s := range dyn {
		names = append(names, s.Name)
	}

	static, err := ef.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	for _, s := range static {
		names = append(names, s.Name)
	}
	return names, nil
}
