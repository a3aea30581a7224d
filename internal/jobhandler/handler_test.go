package jobhandler_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/jobagent/internal/bus"
	"basegraph.app/jobagent/internal/executor"
	"basegraph.app/jobagent/internal/jobhandler"
	"basegraph.app/jobagent/internal/model"
)

const (
	runID    = "5f1d7c3e9b1e8a0012345678"
	cancelID = "5f1d7c3e9b1e8a0012345679"
)

func kinds(h *bus.Handle) []bus.EventKind {
	var out []bus.EventKind
	for ev := range h.Events() {
		out = append(out, ev.Kind)
	}
	return out
}

var _ = Describe("Handler", func() {
	var (
		ctx     context.Context
		exec    *mockExecutor
		handler *jobhandler.Handler
		runJob  model.Job
	)

	BeforeEach(func() {
		ctx = context.Background()
		exec = &mockExecutor{}
		handler = jobhandler.New("handler", map[model.Quality]executor.Executor{
			model.QualityCommandLine: exec,
		})
		runJob = model.Job{ID: runID, Nature: model.NatureRun}
	})

	process := func(job model.Job) *bus.Handle {
		h := bus.NewHandle(job)
		go handler.Process(ctx, job, h)
		return h
	}

	It("translates a successful run into accept, progress and done", func() {
		release := make(chan struct{})
		exec.processFn = func(ctx context.Context, job model.Job, onFinished executor.FinishFunc) (model.Result, error) {
			go func() {
				<-release
				onFinished(model.Result{State: model.StateFinished, OK: true}, nil)
			}()
			return model.Result{State: model.StateRunning, OK: true}, nil
		}

		h := process(runJob)
		var ev bus.Event
		Eventually(h.Events()).Should(Receive(&ev))
		Expect(ev.Kind).To(Equal(bus.EventAccept))
		Eventually(h.Events()).Should(Receive(&ev))
		Expect(ev.Kind).To(Equal(bus.EventProgress))
		Expect(ev.Result.State).To(Equal(model.StateRunning))
		Expect(handler.Running()).To(ConsistOf(runID))

		close(release)
		Expect(kinds(h)).To(Equal([]bus.EventKind{bus.EventDone}))
		Eventually(handler.Running).Should(BeEmpty())
	})

	It("rejects jobs that fail validation", func() {
		exec.validateFn = func(model.Job) error {
			return &model.ValidationError{Field: "payload.stages", Reason: "is required"}
		}

		ev, err := process(runJob).Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Kind).To(Equal(bus.EventReject))
		Expect(model.IsValidationError(ev.Err)).To(BeTrue())
	})

	DescribeTable("rejects malformed jobs before reaching an executor",
		func(job model.Job) {
			ev, err := process(job).Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Kind).To(Equal(bus.EventReject))
		},
		Entry("bad id", model.Job{ID: "nope", Nature: model.NatureRun}),
		Entry("non execution", model.Job{ID: runID, Nature: model.NatureGet}),
		Entry("unregistered executor", model.Job{ID: runID, Nature: model.NatureRun, Payload: model.Payload{Executor: "docker"}}),
		Entry("cancelation without target", model.Job{ID: cancelID, Nature: model.NatureCancelation}),
	)

	It("reports executor failures as errors and still deregisters", func() {
		boom := errors.New("spawn failed")
		exec.processFn = func(ctx context.Context, job model.Job, onFinished executor.FinishFunc) (model.Result, error) {
			onFinished(model.Result{State: model.StateFinished}, boom)
			return model.Result{State: model.StateFinished}, boom
		}

		ev, err := process(runJob).Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Kind).To(Equal(bus.EventError))
		Expect(ev.Err).To(MatchError(boom))
		Expect(handler.Running()).To(BeEmpty())
	})

	It("reports results carrying a cancel mode as canceled", func() {
		exec.processFn = func(ctx context.Context, job model.Job, onFinished executor.FinishFunc) (model.Result, error) {
			go onFinished(model.Result{State: model.StateCanceled, CancelMode: model.CancelStageTimeout}, nil)
			return model.Result{State: model.StateRunning}, nil
		}

		ev, err := process(runJob).Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Kind).To(Equal(bus.EventCanceled))
		Expect(ev.Result.CancelMode).To(Equal(model.CancelStageTimeout))
	})

	It("finishes a cancelation whose target is not running", func() {
		cancel := model.Job{ID: cancelID, Nature: model.NatureCancelation, Payload: model.Payload{JobID: runID}}

		ev, err := process(cancel).Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Kind).To(Equal(bus.EventDone))
		Expect(ev.Result.Message).To(ContainSubstring("was not running"))
	})

	It("routes a cancelation to the executor running the target", func() {
		targetDone := make(chan executor.FinishFunc, 1)
		var seen []model.Nature
		exec.processFn = func(ctx context.Context, job model.Job, onFinished executor.FinishFunc) (model.Result, error) {
			seen = append(seen, job.Nature)
			if job.ID == runID {
				targetDone <- onFinished
				return model.Result{State: model.StateRunning}, nil
			}
			go func() {
				finish := <-targetDone
				finish(model.Result{State: model.StateCanceled, CancelMode: job.Payload.Mode}, nil)
				onFinished(model.Result{State: model.StateFinished, OK: true}, nil)
			}()
			return model.Result{State: model.StateRunning}, nil
		}

		target := process(runJob)
		Eventually(handler.Running).Should(ConsistOf(runID))

		cancel := model.Job{ID: cancelID, Nature: model.NatureCancelation, Payload: model.Payload{JobID: runID, Mode: model.CancelManual}}
		ev, err := process(cancel).Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Kind).To(Equal(bus.EventDone))

		ev, err = target.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Kind).To(Equal(bus.EventCanceled))
		Expect(seen).To(Equal([]model.Nature{model.NatureRun, model.NatureCancelation}))
		Eventually(handler.Running).Should(BeEmpty())
	})
})
