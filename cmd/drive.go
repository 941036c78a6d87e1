package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/workload"
)

// driven is the part of *engine.Engine that drive uses.
type driven interface {
	Run(ctx context.Context) error
	Submit(req engine.Request) (engine.SequenceID, error)
	Poll(id engine.SequenceID) (*engine.Stream, error)
	Close() error
	Metrics() *engine.Metrics
}

// drive runs e while submitting items at their offsets and consuming every stream.
// It closes the engine once everything is submitted and returns after the engine
// has drained.
func drive(ctx context.Context, e driven, items []workload.Item) (Report, error) {
	report := Report{Submitted: len(items)}
	start := time.Now()

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	var consumers errgroup.Group
	outcomes := make([]outcome, len(items))
submit:
	for i, it := range items {
		if wait := time.Until(start.Add(it.Offset)); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				break submit
			}
		}
		id, err := e.Submit(it.Request)
		if err != nil {
			logrus.Warnf("request %d rejected: %v", i, err)
			report.Rejected++
			continue
		}
		st, err := e.Poll(id)
		if err != nil {
			shutdown(e, &consumers, runErr)
			return report, errors.Wrapf(err, "polling %s", id)
		}
		consumers.Go(func() error {
			tokens, err := st.Collect(ctx)
			outcomes[i] = outcome{tokens: len(tokens), err: err}
			return nil
		})
	}

	if err := e.Close(); err != nil {
		return report, err
	}
	_ = consumers.Wait()
	if err := <-runErr; err != nil {
		return report, errors.Wrap(err, "engine run")
	}

	report.Wall = time.Since(start)
	report.Stats = e.Metrics().Stats()
	for _, o := range outcomes {
		report.Streamed += o.tokens
		if o.err != nil {
			report.Failed++
		}
	}
	return report, nil
}

// shutdown closes e and waits for the consumers and the Run goroutine to exit.
func shutdown(e driven, consumers *errgroup.Group, runErr <-chan error) {
	if err := e.Close(); err != nil {
		logrus.Warnf("closing engine: %v", err)
	}
	_ = consumers.Wait()
	if err := <-runErr; err != nil {
		logrus.Warnf("engine run: %v", err)
	}
}

type outcome struct {
	tokens int
	err    error
}
