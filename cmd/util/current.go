package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/storacha/go-ucanto/did"
)

// GetCurrent returns the selected drive, or did.Undef if none is.
func GetCurrent(dataDir string) (did.DID, error) {
	cliDataDir, err := mkdirp(dataDir, "cli")
	if err != nil {
		return did.Undef, err
	}
	b, err := os.ReadFile(filepath.Join(cliDataDir, "current"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return did.Undef, nil
		}
		return did.Undef, fmt.Errorf("reading current drive: %w", err)
	}
	if len(b) == 0 {
		return did.Undef, nil
	}
	id, err := did.Decode(b)
	if err != nil {
		return did.Undef, fmt.Errorf("decoding current drive DID: %w", err)
	}
	return id, nil
}

// SetCurrent selects a drive. Passing did.Undef clears the selection.
func SetCurrent(dataDir string, id did.DID) error {
	cliDataDir, err := mkdirp(dataDir, "cli")
	if err != nil {
		return err
	}
	var bytes []byte
	if id.Defined() {
		bytes = id.Bytes()
	}
	err = os.WriteFile(filepath.Join(cliDataDir, "current"), bytes, 0644)
	if err != nil {
		return fmt.Errorf("writing current drive: %w", err)
	}
	return nil
}
