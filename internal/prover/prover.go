// Package prover is the boundary to the zero-knowledge proving service.
//
// Proving is slow and blocking; implementations must honour ctx so a caller can
// abandon a build in progress.
package prover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
)

type Prover interface {
	ProveSpend(ctx context.Context, d shielded.SpendDescription, p Params) ([]byte, error)
	ProveOutput(ctx context.Context, d shielded.OutputDescription, p Params) ([]byte, error)
}

// Params locates the proving parameter files.
type Params struct {
	SpendPath  string
	OutputPath string
}

// Check verifies both parameter files exist before any proving work starts.
func (p Params) Check() error {
	if err := checkFile("spend", p.SpendPath); err != nil {
		return err
	}
	return checkFile("output", p.OutputPath)
}

func checkFile(kind, path string) error {
	if strings.TrimSpace(path) == "" {
		return errs.ParametersMissing(kind+" parameters path not set", nil)
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errs.ParametersMissing(fmt.Sprintf("%s parameters not found at %s", kind, path), err)
		}
		return errs.ParametersMissing(fmt.Sprintf("%s parameters unreadable at %s", kind, path), err)
	}
	if fi.IsDir() {
		return errs.ParametersMissing(fmt.Sprintf("%s parameters path %s is a directory", kind, path), nil)
	}
	return nil
}
