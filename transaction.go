package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Transaction is the step driver.
type Transaction struct {
	cfg      RunConfiguration
	catalog  *Catalog
	storage  RecoveryStorage
	executor Executor
	lock     Lock
	events   *TransactionEvents
	log      zerolog.Logger
	phases   *phaseMachine

	// mu serializes Run calls.
	mu sync.Mutex
}

// NewTransaction creates a new Transaction. The configuration is validated
// by Run, before anything else happens.
func NewTransaction(cfg RunConfiguration, catalog *Catalog, opts TransactionOptions) (*Transaction, error) {
	if catalog == nil {
		return nil, NewConfigurationError("catalog", "catalog is required")
	}

	storage := opts.Storage
	if storage == nil {
		storage = NoStorage
	}
	executor := opts.Executor
	if executor == nil {
		executor = Inline
	}
	lock := opts.Lock
	if lock == nil {
		lock = &NoOpLock{}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	phases, err := newPhaseMachine(cfg.Name)
	if err != nil {
		return nil, err
	}

	return &Transaction{
		cfg:      cfg.withDefaults(),
		catalog:  catalog,
		storage:  storage,
		executor: executor,
		lock:     lock,
		events:   opts.Events,
		log:      logger.With().Str("transaction", cfg.Name).Logger(),
		phases:   phases,
	}, nil
}

// Run executes the transaction.
//
// The returned error is non-nil only when the run could not start: invalid
// configuration, a held lock, or a storage failure while recovering or
// starting the session. Step failures never surface as the error; they are
// collected in the Result.
func (tx *Transaction) Run(ctx context.Context) (*Result, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	// 1. Validate configuration
	if err := tx.cfg.Validate(); err != nil {
		return nil, err
	}

	// 2. Acquire lock
	token, err := tx.lock.Acquire(ctx, tx.cfg.Name, DefaultLockTTL)
	if err != nil {
		var lockedErr *TransactionLockedError
		if errors.As(err, &lockedErr) {
			return nil, err
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer tx.releaseLock(ctx, token)

	tx.phases.reset()

	// 3. Resume the persisted session or start a new one
	data, resumed, err := tx.begin(ctx)
	if err != nil {
		return nil, err
	}

	log := tx.log.With().Str("session", data.SessionID).Logger()
	log.Debug().
		Bool("resumed", resumed).
		Int("index", data.State.CurrentStepIndex()).
		Str("direction", string(data.Direction)).
		Msg("Transaction started")

	emitEvent(tx.events, func() {
		if tx.events.OnTransactionStart != nil {
			tx.events.OnTransactionStart(tx.cfg.Name, data.SessionID, resumed)
		}
	})

	result := &Result{SessionID: data.SessionID}
	failed := false

	// 4. Walk the catalog
	if data.Direction == DirectionRollingBack {
		// The previous session died while compensating: finish the job.
		result.Add(NewResumedFailureError(data.Failure))
		tx.phases.send(eventResumeRollback)
		tx.rollback(ctx, data, result, log)
		failed = true
	} else {
		tx.phases.send(eventStart)
		if err := tx.forward(ctx, data, result, log); err != nil {
			failed = true
			if tx.cfg.Mode.Compensates() {
				tx.phases.send(eventStepFailed)
				data.Direction = DirectionRollingBack
				if err := tx.save(context.WithoutCancel(ctx), data); err != nil {
					result.Add(err)
				}
				tx.rollback(ctx, data, result, log)
			}
		}
	}

	// 5. Terminal state
	tx.finish(ctx, data, failed, result, log)
	return result, nil
}

// begin recovers the last snapshot or creates fresh data. Either way the
// storage is notified that the session is running; the matching end
// notification is sent by finish.
func (tx *Transaction) begin(ctx context.Context) (*TransactionData, bool, error) {
	snap, err := tx.storage.RecoverSnapshot(ctx, tx.cfg.Name)
	if err != nil {
		return nil, false, NewStorageError("recover snapshot", err)
	}

	data, resumed := snap, snap != nil
	if resumed {
		if err := tx.checkSnapshot(snap); err != nil {
			return nil, false, err
		}
	} else {
		data = NewTransactionData(tx.cfg.Name, tx.cfg.SessionID(), tx.catalog.Len(), tx.cfg.Clock())
	}

	if err := tx.storage.NotifyTransactionStarted(ctx, data); err != nil {
		var lockedErr *TransactionLockedError
		if errors.As(err, &lockedErr) {
			return nil, false, err
		}
		// Clear whatever part of the start the storage managed to record.
		if endErr := tx.storage.NotifyTransactionEnded(context.WithoutCancel(ctx), data); endErr != nil {
			tx.log.Warn().Err(endErr).Msg("Failed to end transaction after failed start")
		}
		return nil, false, NewStorageError("notify started", err)
	}
	return data, resumed, nil
}

// checkSnapshot rejects a snapshot that does not belong to this catalog.
func (tx *Transaction) checkSnapshot(snap *TransactionData) error {
	if snap.Name != tx.cfg.Name {
		return NewConfigurationError("storage", "recovered snapshot belongs to %q, not %q", snap.Name, tx.cfg.Name)
	}
	if snap.State == nil || snap.State.Len() != tx.catalog.Len() {
		return NewConfigurationError("catalog", "snapshot of %q does not match a catalog of %d steps", tx.cfg.Name, tx.catalog.Len())
	}
	switch snap.Direction {
	case DirectionForward, DirectionRollingBack:
	case "":
		snap.Direction = DirectionForward
	default:
		return NewConfigurationError("storage", "snapshot of %q has unknown direction %q", tx.cfg.Name, snap.Direction)
	}
	if snap.Payload == nil {
		snap.Payload = Payload{}
	}
	return nil
}

// forward runs steps from the current index to the end. It returns the
// first failure, already added to result.
func (tx *Transaction) forward(ctx context.Context, data *TransactionData, result *Result, log zerolog.Logger) error {
	for !data.State.Completed() {
		index := data.State.CurrentStepIndex()
		step, _ := tx.catalog.At(index)

		emitEvent(tx.events, func() {
			if tx.events.OnStepStart != nil {
				tx.events.OnStepStart(step.ID, index)
			}
		})

		start := tx.cfg.Clock()
		attempts := 0
		err := ctx.Err()
		if err == nil {
			attempts, err = tx.execute(ctx, step, step.Forward, step.Retry, data)
		}
		if err != nil {
			stepErr := NewStepError(step.ID, index, err)
			result.Add(stepErr)
			data.Failure = NewStepFailure(step.ID, index, err, tx.cfg.Clock())

			log.Warn().Err(err).Str("step", string(step.ID)).Int("index", index).Msg("Step failed")
			emitEvent(tx.events, func() {
				if tx.events.OnStepFailed != nil {
					tx.events.OnStepFailed(step.ID, index, err, attempts)
				}
			})
			return stepErr
		}

		data.State.Increment(1)
		if err := tx.save(ctx, data); err != nil {
			// The step ran but its completion is not durable: treat it as
			// a failure so the completed work is compensated.
			result.Add(err)
			data.Failure = NewStepFailure(step.ID, index, err, tx.cfg.Clock())
			log.Error().Err(err).Str("step", string(step.ID)).Msg("Snapshot save failed")
			return err
		}

		duration := tx.cfg.Clock().Sub(start)
		log.Debug().Str("step", string(step.ID)).Int("index", index).Dur("duration", duration).Msg("Step completed")
		emitEvent(tx.events, func() {
			if tx.events.OnStepComplete != nil {
				tx.events.OnStepComplete(step.ID, index, duration)
			}
		})
	}
	return nil
}

// rollback compensates every completed step in reverse order. Failures are
// recorded and the sweep continues.
func (tx *Transaction) rollback(ctx context.Context, data *TransactionData, result *Result, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)

	for data.State.CurrentStepIndex() > 0 {
		data.State.Decrement()
		index := data.State.CurrentStepIndex()
		step, _ := tx.catalog.At(index)

		if step.Backward.Defined() {
			emitEvent(tx.events, func() {
				if tx.events.OnCompensationStart != nil {
					tx.events.OnCompensationStart(step.ID)
				}
			})

			if _, err := tx.execute(ctx, step, step.Backward.Action(), step.CompensationRetry, data); err != nil {
				result.Add(NewCompensationFailedError(tx.cfg.Name, step.ID, index, err))
				if data.Failure != nil && data.Failure.CompensationError == "" {
					data.Failure.CompensationError = TruncateError(err)
				}

				log.Error().Err(err).Str("step", string(step.ID)).Int("index", index).Msg("Compensation failed")
				emitEvent(tx.events, func() {
					if tx.events.OnCompensationFailed != nil {
						tx.events.OnCompensationFailed(step.ID, err)
					}
				})
			} else {
				log.Debug().Str("step", string(step.ID)).Int("index", index).Msg("Step compensated")
				emitEvent(tx.events, func() {
					if tx.events.OnCompensationComplete != nil {
						tx.events.OnCompensationComplete(step.ID)
					}
				})
			}
		}

		if err := tx.save(ctx, data); err != nil {
			result.Add(err)
		}
	}
}

// finish settles the snapshot according to the outcome and run mode, then
// closes the session.
func (tx *Transaction) finish(ctx context.Context, data *TransactionData, failed bool, result *Result, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)

	if !failed {
		tx.phases.send(eventComplete)
		if err := tx.storage.RemoveSnapshot(ctx, data); err != nil {
			result.Add(NewStorageError("remove snapshot", err))
		}
	} else {
		tx.phases.send(eventFail)
		if tx.cfg.Mode.Resumable() {
			if data.Direction == DirectionRollingBack {
				// Rollback reached index 0; the next run starts forward again.
				data.Direction = DirectionForward
			}
			if err := tx.save(ctx, data); err != nil {
				result.Add(err)
			}
		} else if err := tx.storage.RemoveSnapshot(ctx, data); err != nil {
			result.Add(NewStorageError("remove snapshot", err))
		}
	}

	if err := tx.storage.NotifyTransactionEnded(ctx, data); err != nil {
		result.Add(NewStorageError("notify ended", err))
	}

	result.Phase = tx.phases.phase()
	result.StepIndex = data.State.CurrentStepIndex()

	if result.Success() {
		log.Info().Msg("Transaction completed")
		emitEvent(tx.events, func() {
			if tx.events.OnTransactionComplete != nil {
				tx.events.OnTransactionComplete(tx.cfg.Name, data.SessionID)
			}
		})
		return
	}

	log.Warn().
		Err(result.Err()).
		Str("mode", string(tx.cfg.Mode)).
		Int("index", result.StepIndex).
		Msg("Transaction failed")
	emitEvent(tx.events, func() {
		if tx.events.OnTransactionFailed != nil {
			tx.events.OnTransactionFailed(tx.cfg.Name, data.SessionID, result.Err())
		}
	})
}

// execute runs one action through the step's executor gate, applying the
// step timeout and retry policy. It returns the number of attempts made.
func (tx *Transaction) execute(ctx context.Context, step StepDefinition, action Action, policy *RetryPolicy, data *TransactionData) (int, error) {
	gate := tx.executor
	if step.Executor != nil {
		gate = step.Executor
	}

	run := func(ctx context.Context) error {
		if step.Timeout <= 0 {
			return action(ctx, data)
		}
		timeoutCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		defer cancel()

		err := action(timeoutCtx, data)
		if err != nil && ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			emitEvent(tx.events, func() {
				if tx.events.OnStepTimeout != nil {
					tx.events.OnStepTimeout(step.ID, step.Timeout)
				}
			})
			return NewStepTimeoutError(step.ID, step.Timeout, err)
		}
		return err
	}

	attempts := 0
	op := func() error {
		attempts++
		if gate.ShouldRun() {
			return gate.Run(ctx, run)
		}
		return runCaptured(ctx, run)
	}
	notify := func(err error, next time.Duration) {
		tx.log.Debug().Err(err).Str("step", string(step.ID)).Dur("next", next).Msg("Retrying action")
		emitEvent(tx.events, func() {
			if tx.events.OnStepRetry != nil {
				tx.events.OnStepRetry(step.ID, attempts+1, err)
			}
		})
	}

	err := retry(ctx, policy, op, notify)
	return attempts, err
}

// save stamps and persists data.
func (tx *Transaction) save(ctx context.Context, data *TransactionData) error {
	data.UpdatedAt = tx.cfg.Clock()
	if err := tx.storage.SaveSnapshot(ctx, data); err != nil {
		return NewStorageError("save snapshot", err)
	}
	emitEvent(tx.events, func() {
		if tx.events.OnSnapshotSaved != nil {
			tx.events.OnSnapshotSaved(data.Clone())
		}
	})
	return nil
}

// releaseLock releases the transaction lock.
func (tx *Transaction) releaseLock(ctx context.Context, token string) {
	if err := tx.lock.Release(context.WithoutCancel(ctx), tx.cfg.Name, token); err != nil {
		tx.log.Warn().Err(err).Msg("Failed to release lock")
	}
}

// Name returns the transaction name.
func (tx *Transaction) Name() string {
	return tx.cfg.Name
}

// Mode returns the run mode.
func (tx *Transaction) Mode() RunMode {
	return tx.cfg.Mode
}

// Catalog returns the step catalog.
func (tx *Transaction) Catalog() *Catalog {
	return tx.catalog
}

// Phase returns the driver phase. It is PhaseIdle before the first run and
// PhaseCompleted or PhaseFailed after one.
func (tx *Transaction) Phase() Phase {
	return tx.phases.phase()
}
