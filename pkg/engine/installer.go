package engine

import (
	"context"
	"errors"

	"github.com/papersync/papersync/pkg/taxonomy"
	"github.com/papersync/papersync/pkg/telemetry"
)

// Installer applies a diff transactionally: it creates the missing
// resources one at a time in kind order and, if any creation fails,
// deletes everything it created in this run, last-created first.
type Installer struct {
	gateway Gateway
}

// NewInstaller creates an installer writing through gw.
func NewInstaller(gw Gateway) *Installer {
	return &Installer{gateway: gw}
}

// Apply creates every resource in diff. Creation order is tags, document
// types, storage paths, custom fields, each in declaration order.
//
// On failure the returned result is non-nil and describes the rollback, and
// the error is a *RollbackError wrapping the creation failure. A canceled
// ctx stops creation before the next resource; rollback itself always runs
// to completion.
func (in *Installer) Apply(ctx context.Context, diff *taxonomy.Diff) (result *taxonomy.UpdateResult, err error) {
	if diff == nil {
		return nil, NewPermanentError("diff is nil", nil).WithCode(ErrCodeValidation)
	}
	if !diff.HasChanges {
		return taxonomy.NoChanges(), nil
	}

	ic := telemetry.StartOperation(ctx, "taxonomy.apply",
		telemetry.AttrPending.Int(diff.Len()),
	)
	defer func() { ic.End(err) }()

	ctx = ic.Ctx
	logger := ic.Logger
	runID := telemetry.RunIDFromContext(ctx)
	metrics := telemetry.MetricsFromContext(ctx)
	events := telemetry.EventsFromContext(ctx)

	result = &taxonomy.UpdateResult{HasChanges: true}
	ledger := &Ledger{}

	var cause error
	for _, res := range diff.Resources() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			cause = NewPermanentError("apply canceled", ctxErr).
				WithCode(ErrCodeCanceled).
				WithResource(res.String())
			break
		}

		created, createErr := in.create(ctx, res)
		if createErr != nil {
			cause = NewCreationError(res, createErr)
			break
		}

		rec := taxonomy.CreatedResourceRecord{
			Kind:       res.Kind(),
			ID:         created.ID,
			NaturalKey: res.NaturalKey(),
		}
		ledger.Record(rec)
		result.Applied.Inc(res.Kind())

		metrics.RecordResourceCreated(string(rec.Kind))
		_ = events.PublishResourceCreated(runID, string(rec.Kind), rec.NaturalKey, rec.ID)
		logger.WithResource(string(rec.Kind), rec.NaturalKey).
			WithField("remote_id", rec.ID).
			Info("resource created")
	}

	if cause == nil {
		result.Success = true
		return result, nil
	}

	recordErrorMetric(metrics, cause)
	logger.WithError(cause).Warnf("apply failed after %d creation(s), rolling back", ledger.Len())

	// Rollback must finish even when the caller gave up.
	rbErr := in.rollback(context.WithoutCancel(ctx), ledger, cause)

	result.Applied = taxonomy.Counts{}
	result.RolledBack = rbErr.Attempted - len(rbErr.Failures)
	result.Orphans = rbErr.Orphans()
	result.Error = rbErr.Error()
	return result, rbErr
}

func (in *Installer) create(ctx context.Context, res taxonomy.DesiredResource) (taxonomy.RemoteResource, error) {
	coll, err := CollectionFor(in.gateway, res.Kind())
	if err != nil {
		return taxonomy.RemoteResource{}, err
	}

	var created taxonomy.RemoteResource
	err = telemetry.RecordGatewayOperation(ctx, string(res.Kind()), "create", func(ctx context.Context) error {
		var createErr error
		created, createErr = coll.Create(ctx, res)
		return createErr
	})
	return created, err
}

// rollback deletes every ledger entry in reverse creation order. A failed
// delete is recorded and the remaining entries are still attempted.
func (in *Installer) rollback(ctx context.Context, ledger *Ledger, cause error) *RollbackError {
	ic := telemetry.StartOperation(ctx, "taxonomy.rollback")
	ctx = ic.Ctx
	logger := ic.Logger
	runID := telemetry.RunIDFromContext(ctx)
	metrics := telemetry.MetricsFromContext(ctx)
	events := telemetry.EventsFromContext(ctx)

	rbErr := &RollbackError{Cause: cause, Attempted: ledger.Len()}
	_ = events.PublishRollbackStarted(runID, ledger.Len(), cause.Error())

	for _, rec := range ledger.Reversed() {
		err := in.delete(ctx, rec)
		metrics.RecordRollback(string(rec.Kind), err)
		_ = events.PublishRollbackResult(runID, string(rec.Kind), rec.NaturalKey, rec.ID, err)

		entryLog := logger.WithResource(string(rec.Kind), rec.NaturalKey).WithField("remote_id", rec.ID)
		if err != nil {
			rbErr.Failures = append(rbErr.Failures, RollbackFailure{Record: rec, Err: err})
			entryLog.WithError(err).Error("rollback delete failed, resource left behind")
			continue
		}
		entryLog.Info("resource rolled back")
	}

	if rbErr.Partial() {
		recordErrorMetric(metrics, NewPermanentError("rollback incomplete", nil).WithCode(ErrCodeRollbackPartial))
		ic.End(errors.New(rbErr.Error()))
	} else {
		ic.End(nil)
	}
	return rbErr
}

func (in *Installer) delete(ctx context.Context, rec taxonomy.CreatedResourceRecord) error {
	coll, err := CollectionFor(in.gateway, rec.Kind)
	if err != nil {
		return err
	}
	return telemetry.RecordGatewayOperation(ctx, string(rec.Kind), "delete", func(ctx context.Context) error {
		return coll.Delete(ctx, rec.ID)
	})
}

func recordErrorMetric(metrics *telemetry.Metrics, err error) {
	var e *EngineError
	if errors.As(err, &e) {
		metrics.RecordError(string(e.Class), e.Code)
		return
	}
	metrics.RecordError(string(ErrorClassPermanent), "")
}
