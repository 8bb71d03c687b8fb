package assembler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/transaction"
)

// Promote swaps the verified staging root into place as one atomic
// exchange, or a rename for a first build. Cancellation is ignored from
// here on. A failure is a *engine.PromotionError; the journal is kept for
// the operator.
func (a *Assembler) Promote(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	fail := func(err error) error {
		_ = a.transition(StateRolledBack)
		a.log.WithError(err).Error("promotion failed, target may need manual recovery")
		return &engine.PromotionError{Target: a.target, Staging: a.staging, Journal: a.journal, Err: err}
	}

	if err := a.transition(StatePromoting); err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			return &engine.PromotionError{Target: a.target, Staging: a.staging, Journal: a.journal, Err: err}
		}
		return fail(err)
	}

	data, err := MarshalJournal(newJournal(a.target, a.staging, "exchange", a.targetExisted))
	if err != nil {
		return fail(err)
	}
	if _, err := a.fs.WriteFile(a.journal, bytes.NewReader(data), 0o600); err != nil {
		return fail(fmt.Errorf("writing journal: %w", err))
	}

	if a.targetExisted {
		err = a.fs.Exchange(a.staging, a.target)
	} else {
		err = a.fs.Rename(a.staging, a.target)
	}
	if err != nil {
		return fail(err)
	}

	a.mu.Lock()
	a.state = StateCommitted
	a.history = append(a.history, StateCommitted)
	a.mu.Unlock()
	if a.hooks.OnEnter != nil {
		if err := a.hooks.OnEnter(StateCommitted); err != nil {
			a.log.WithError(err).Warn("commit hook failed")
		}
	}

	a.cleanup(ctx)
	a.log.Infof("promoted %s", a.target)
	return nil
}

// cleanup removes the displaced tree and the journal after a commit. The
// build has succeeded regardless, so failures are only logged.
func (a *Assembler) cleanup(context.Context) {
	if a.targetExisted {
		if err := a.fs.RemoveAll(a.staging); err != nil {
			a.log.WithError(err).Warnf("failed to remove previous tree at %s", a.staging)
		}
	}
	if err := a.fs.Remove(a.journal); err != nil && !errors.Is(err, fs.ErrNotExist) {
		a.log.WithError(err).Warn("failed to remove promotion journal")
	}
}

// Rollback discards the staging root. The target root is untouched. The
// staging root of an unfinished earlier promotion is kept for recovery.
func (a *Assembler) Rollback(context.Context) error {
	if err := a.transition(StateRolledBack); err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			return err
		}
	}
	if a.pending {
		a.log.Warnf("keeping %s for recovery", a.staging)
		return nil
	}
	if err := a.fs.RemoveAll(a.staging); err != nil {
		return fmt.Errorf("removing staging root: %w", err)
	}
	a.log.Info("staging root discarded")
	return nil
}

// Run assembles txn: begin, stage, verify and promote. Any failure before
// promotion rolls back and returns a *engine.StagingError; the target is
// then unchanged.
func (a *Assembler) Run(ctx context.Context, txn *transaction.Transaction) error {
	steps := []func(context.Context, *transaction.Transaction) error{a.Begin, a.Stage, a.Verify}
	for _, step := range steps {
		if err := step(ctx, txn); err != nil {
			if rbErr := a.Rollback(ctx); rbErr != nil {
				a.log.WithError(rbErr).Warn("rollback incomplete")
			}
			return err
		}
	}
	return a.Promote(ctx)
}
