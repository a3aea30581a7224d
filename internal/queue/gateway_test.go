package queue_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/jobagent/internal/bus"
	"basegraph.app/jobagent/internal/model"
	"basegraph.app/jobagent/internal/queue"
)

type fakeAcker struct {
	err   error
	calls [][2]string
}

func (f *fakeAcker) Ack(_ context.Context, stream, id string) error {
	f.calls = append(f.calls, [2]string{stream, id})
	return f.err
}

type fakeFetcher struct {
	jobs   []model.Job
	err    error
	firsts []bool
}

func (f *fakeFetcher) Next(_ context.Context, _ string, first bool) (*model.Job, error) {
	f.firsts = append(f.firsts, first)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.jobs) == 0 {
		return nil, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return &job, nil
}

var _ = Describe("Gateway", func() {
	var (
		ctx     context.Context
		acker   *fakeAcker
		fetcher *fakeFetcher
		seen    []model.Job
		router  *bus.Router
	)

	BeforeEach(func() {
		ctx = context.Background()
		acker = &fakeAcker{}
		fetcher = &fakeFetcher{}
		seen = nil
		sink := queue.StatusSinkFunc(func(_ context.Context, notice model.Job) error {
			seen = append(seen, notice)
			return nil
		})
		router = bus.NewRouter("test")
		queue.NewGateway("gateway", acker, fetcher, sink).Register(router)
	})

	send := func(job model.Job) bus.Event {
		ev, err := router.Send(ctx, job).Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		return ev
	}

	It("acks the message on its queue", func() {
		ev := send(model.NewAckJob(model.Job{ID: "ab", MessageID: "1-0", Queue: "jobs"}, "subjobs"))
		Expect(ev.Kind).To(Equal(bus.EventDone))
		Expect(ev.Result.State).To(Equal(model.StateAcked))
		Expect(acker.calls).To(ConsistOf([2]string{"subjobs", "1-0"}))
	})

	It("reports ack failures", func() {
		acker.err = errors.New("redis down")
		ev := send(model.NewAckJob(model.Job{ID: "ab", MessageID: "1-0"}, ""))
		Expect(ev.Kind).To(Equal(bus.EventError))
		Expect(ev.Err).To(MatchError("redis down"))
	})

	It("returns the next sub-job and then an empty result", func() {
		fetcher.jobs = []model.Job{{ID: "c1", Nature: model.NatureRun}}
		group := model.Job{ID: "ab", Nature: model.NatureRead, Payload: model.Payload{Queue: "subjobs"}}

		ev := send(model.NewGetJob(group, true))
		Expect(ev.Kind).To(Equal(bus.EventDone))
		Expect(ev.Result.Job).NotTo(BeNil())
		Expect(ev.Result.Job.ID).To(Equal("c1"))

		ev = send(model.NewGetJob(group, false))
		Expect(ev.Kind).To(Equal(bus.EventDone))
		Expect(ev.Result.Empty).To(BeTrue())
		Expect(fetcher.firsts).To(Equal([]bool{true, false}))
	})

	It("reports fetch failures", func() {
		fetcher.err = errors.New("no such stream")
		ev := send(model.NewGetJob(model.Job{ID: "ab"}, true))
		Expect(ev.Kind).To(Equal(bus.EventError))
	})

	It("relays state notifications to every sink", func() {
		ev := send(model.NewStateJob("ab", model.StateRunning, "", nil))
		Expect(ev.Kind).To(Equal(bus.EventDone))
		ev = send(model.NewChangeStateJob("ab", model.StateRunning, "stage 1"))
		Expect(ev.Kind).To(Equal(bus.EventDone))

		Expect(seen).To(HaveLen(2))
		Expect(seen[1].Payload.Message).To(Equal("stage 1"))
	})

	It("joins sink failures", func() {
		failing := queue.StatusSinkFunc(func(context.Context, model.Job) error { return errors.New("sink down") })
		r := bus.NewRouter("test")
		queue.NewGateway("gateway", acker, fetcher, failing).Register(r)

		ev, err := r.Send(ctx, model.NewStateJob("ab", model.StateFinished, "", nil)).Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Kind).To(Equal(bus.EventError))
		Expect(ev.Err).To(MatchError(ContainSubstring("sink down")))
	})
})
