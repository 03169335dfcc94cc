package magpie

import (
	"errors"

	"tangled.sh/tangled.sh/magpie/ledger"
)

var (
	ErrNoSteps        = errors.New("no steps given")
	ErrExclusiveModes = errors.New("pipeline and version-after-build modes are mutually exclusive")
)

type Options struct {
	// Steps are bare ("concat") or fully qualified ("concat:js") refs.
	Steps []string
	// SkipExisting treats a versioned destination already on disk as done.
	SkipExisting bool
	// Pipeline chains steps whose outputs feed the next kind's inputs.
	Pipeline bool
	// VersionAfterBuild runs every step first, then versions its outputs.
	VersionAfterBuild bool
	// LedgerPath is where the versioned file map is written. Empty means
	// ledger.DefaultPath.
	LedgerPath string
	// LedgerTemplate is an optional text/template for the ledger file.
	LedgerTemplate string
}

func (o *Options) Validate() error {
	if len(o.Steps) == 0 {
		return ErrNoSteps
	}
	if o.Pipeline && o.VersionAfterBuild {
		return ErrExclusiveModes
	}
	if o.LedgerPath == "" {
		o.LedgerPath = ledger.DefaultPath
	}
	return nil
}
