package broker_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/jobagent/core/config"
	"basegraph.app/jobagent/internal/broker"
	"basegraph.app/jobagent/internal/bus"
	"basegraph.app/jobagent/internal/model"
)

func jid(n int) string { return fmt.Sprintf("%024x", n) }

func priority(p int) *int { return &p }

func runJob(n int) model.Job {
	return model.Job{ID: jid(n), Nature: model.NatureRun, MessageID: fmt.Sprintf("%d-0", n), Queue: "jobs"}
}

func cancelJob(n, target int) model.Job {
	return model.Job{ID: jid(n), Nature: model.NatureCancel, Payload: model.Payload{JobID: jid(target)}}
}

func groupJob(n int, queue string) model.Job {
	return model.Job{ID: jid(n), Nature: model.NatureRead, Payload: model.Payload{Queue: queue}}
}

var _ = Describe("Broker", func() {
	var (
		ctx    context.Context
		sender *recordingSender
		b      *broker.Broker
		cfg    config.BrokerConfig
	)

	BeforeEach(func() {
		ctx = context.Background()
		sender = &recordingSender{}
		cfg = config.BrokerConfig{DefaultPriority: 2}
	})

	JustBeforeEach(func() {
		b = broker.New(cfg, sender, broker.WithIDGenerator(sequentialIDs(9000)))
		runCtx, cancel := context.WithCancel(ctx)
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			_ = b.Run(runCtx)
		}()
		DeferCleanup(func() {
			cancel()
			Eventually(stopped).Should(BeClosed())
		})
	})

	snapshot := func() broker.Snapshot {
		snap, err := b.Snapshot(ctx)
		Expect(err).NotTo(HaveOccurred())
		return snap
	}

	queuedIDs := func() []string {
		var ids []string
		for _, j := range snapshot().Queued {
			ids = append(ids, j.ID)
		}
		return ids
	}

	runningIDs := func() []string {
		var ids []string
		for _, r := range snapshot().Running {
			ids = append(ids, r.Job.ID)
		}
		return ids
	}

	process := func(job model.Job) {
		Expect(b.Process(ctx, job)).To(Succeed())
	}

	Describe("admission", func() {
		It("runs one job at a time and queues the rest", func() {
			process(runJob(1))
			Eventually(sender.dispatched).Should(Equal([]string{jid(1)}))

			process(runJob(2))
			Eventually(func() []model.State { return sender.states(jid(2)) }).Should(Equal([]model.State{model.StateQueued}))
			Expect(queuedIDs()).To(Equal([]string{jid(2)}))
			Expect(sender.dispatched()).To(Equal([]string{jid(1)}))
			Expect(snapshot().ActiveSlots).To(Equal(1))
		})

		It("lets priority 0 jobs bypass the concurrency gate", func() {
			process(runJob(1))
			urgent := runJob(2)
			urgent.Payload.Priority = priority(0)
			process(urgent)

			Eventually(sender.dispatched).Should(Equal([]string{jid(1), jid(2)}))
			Expect(snapshot().ActiveSlots).To(Equal(2))
			Expect(queuedIDs()).To(BeEmpty())
		})

		It("times out a job whose pending deadline passed before admission", func() {
			stale := runJob(1)
			stale.RequestTimestamp = time.Now().Add(-10 * time.Second).UnixMilli()
			stale.Payload.PendingTimeout = 1000
			process(stale)

			Eventually(func() []model.State { return sender.states(jid(1)) }).Should(Equal([]model.State{model.StateTimeout}))
			Eventually(func() []model.Job { return sender.acks(jid(1)) }).Should(HaveLen(1))
			Expect(sender.dispatched()).To(BeEmpty())
			Expect(snapshot().ActiveSlots).To(Equal(0))
			Expect(queuedIDs()).To(BeEmpty())
		})

		It("rejects a job that is already running", func() {
			process(runJob(1))
			process(runJob(1))

			Eventually(func() []model.Job { return sender.stateJobs(jid(1)) }).Should(ContainElement(
				HaveField("Payload.Error", ContainSubstring("already queued"))))
			Expect(sender.dispatched()).To(Equal([]string{jid(1)}))
		})

		It("acknowledges and finishes invalid jobs", func() {
			process(model.Job{ID: jid(1), Nature: model.NatureCancel, MessageID: "7-0"})

			Eventually(func() []model.Job { return sender.stateJobs(jid(1)) }).Should(ConsistOf(
				And(
					HaveField("Payload.State", model.StateFinished),
					HaveField("Payload.Error", ContainSubstring("payload.jobid")),
				)))
			Expect(sender.acks(jid(1))).To(ConsistOf(HaveField("Payload.MessageID", "7-0")))
		})

		It("dispatches the most urgent queued job when capacity frees up", func() {
			process(runJob(1))
			low := runJob(2)
			low.Payload.Priority = priority(3)
			high := runJob(3)
			high.Payload.Priority = priority(1)
			process(low)
			process(high)
			Eventually(queuedIDs).Should(Equal([]string{jid(3), jid(2)}))

			sender.execution(jid(1)).Done("handler", model.Result{State: model.StateFinished, OK: true})

			Eventually(sender.dispatched).Should(Equal([]string{jid(1), jid(3)}))
			Expect(queuedIDs()).To(Equal([]string{jid(2)}))
			Eventually(func() []model.State { return sender.states(jid(1)) }).Should(ContainElement(model.StateFinished))
			Expect(sender.acks(jid(1))).To(HaveLen(1))
		})

		It("reports executor progress and the accepted state", func() {
			process(runJob(1))
			Eventually(sender.dispatched).Should(HaveLen(1))

			h := sender.execution(jid(1))
			h.Accept("handler")
			h.Progress("handler", model.Result{State: model.StateRunning})

			Eventually(func() []model.State { return sender.states(jid(1)) }).Should(Equal([]model.State{model.StateRunning}))
			Eventually(func() []sentJob {
				return sender.matching(func(j model.Job) bool { return j.Nature == model.NatureChangeState })
			}).Should(HaveLen(1))
		})
	})

	Describe("timeouts", func() {
		It("cancels a job that outlives its running timeout", func() {
			job := runJob(1)
			job.Payload.RunningTimeout = 50
			process(job)

			Eventually(func() []sentJob { return sender.cancelations(jid(1)) }).Should(ConsistOf(
				HaveField("Job.Payload.Mode", model.CancelExecutionTimeout)))

			sender.execution(jid(1)).Canceled("handler", model.Result{State: model.StateCanceled, CancelMode: model.CancelExecutionTimeout})
			Eventually(func() []model.State { return sender.states(jid(1)) }).Should(ContainElement(model.StateTimeout))
		})

		It("times out a job left queued past its pending timeout", func() {
			process(runJob(1))
			waiting := runJob(2)
			waiting.RequestTimestamp = time.Now().UnixMilli()
			waiting.Payload.PendingTimeout = 50
			process(waiting)

			Eventually(func() []model.State { return sender.states(jid(2)) }).Should(Equal([]model.State{model.StateQueued, model.StateTimeout}))
			Expect(queuedIDs()).To(BeEmpty())
			Expect(sender.acks(jid(2))).To(HaveLen(1))
		})

		It("disarms the running timeout when the job finishes", func() {
			job := runJob(1)
			job.Payload.RunningTimeout = 100
			process(job)
			Eventually(sender.dispatched).Should(HaveLen(1))

			sender.execution(jid(1)).Done("handler", model.Result{State: model.StateFinished, OK: true})
			Consistently(func() []sentJob { return sender.cancelations(jid(1)) }, 300*time.Millisecond).Should(BeEmpty())
		})
	})

	Describe("cancellation", func() {
		It("removes a queued job", func() {
			process(runJob(1))
			process(runJob(2))
			Eventually(queuedIDs).Should(Equal([]string{jid(2)}))

			process(cancelJob(3, 2))

			Eventually(func() []model.State { return sender.states(jid(2)) }).Should(Equal([]model.State{model.StateQueued, model.StateCanceled}))
			Eventually(func() []model.State { return sender.states(jid(3)) }).Should(Equal([]model.State{model.StateFinished}))
			Expect(sender.acks(jid(2))).To(HaveLen(1))
			Expect(sender.acks(jid(3))).To(HaveLen(1))
			Expect(queuedIDs()).To(BeEmpty())
		})

		It("finishes with nothing to cancel when the target is unknown", func() {
			process(cancelJob(3, 42))

			Eventually(func() []model.Job { return sender.stateJobs(jid(3)) }).Should(ConsistOf(
				HaveField("Payload.Message", ContainSubstring("nothing to cancel"))))
			Expect(sender.states(jid(42))).To(BeEmpty())
			Expect(sender.acks(jid(42))).To(BeEmpty())
			Expect(sender.acks(jid(3))).To(HaveLen(1))
		})

		It("forwards a cancel for a running job to the executor", func() {
			process(runJob(1))
			Eventually(sender.dispatched).Should(HaveLen(1))
			process(cancelJob(3, 1))

			Eventually(func() []sentJob { return sender.cancelations(jid(1)) }).Should(HaveLen(1))
			down := sender.cancelations(jid(1))[0]
			Expect(down.Job.ID).To(Equal(jid(3)))
			Expect(down.Job.Payload.Mode).To(Equal(model.CancelManual))

			sender.execution(jid(1)).Canceled("handler", model.Result{State: model.StateCanceled, CancelMode: model.CancelManual})
			down.Handle.Done("handler", model.Result{State: model.StateFinished, OK: true, Message: "job canceled"})

			Eventually(func() []model.State { return sender.states(jid(1)) }).Should(ContainElement(model.StateCanceled))
			Eventually(func() []model.State { return sender.states(jid(3)) }).Should(Equal([]model.State{model.StateRunning, model.StateFinished}))
			Eventually(runningIDs).Should(BeEmpty())
		})
	})

	Describe("group jobs", func() {
		subJob := func(n int) *model.Job {
			j := runJob(n)
			j.MessageID = fmt.Sprintf("%d-1", n)
			j.Queue = ""
			return &j
		}

		It("drains the group queue one sub-job at a time", func() {
			process(groupJob(10, "batch"))

			Eventually(func() []sentJob { return sender.fetches(jid(10)) }).Should(HaveLen(1))
			first := sender.fetches(jid(10))[0]
			Expect(first.Job.Payload.First).To(BeTrue())
			Expect(first.Job.Payload.Queue).To(Equal("batch"))
			first.Handle.Done("gateway", model.Result{Job: subJob(11)})

			Eventually(sender.dispatched).Should(Equal([]string{jid(11)}))
			Expect(sender.execution(jid(11)).Job().Payload.GroupJobID).To(Equal(jid(10)))

			sender.execution(jid(11)).Done("handler", model.Result{State: model.StateFinished, OK: true})
			Eventually(func() []sentJob { return sender.fetches(jid(10)) }).Should(HaveLen(2))
			Expect(sender.acks(jid(11))).To(ConsistOf(HaveField("Payload.Queue", "batch")))

			second := sender.fetches(jid(10))[1]
			Expect(second.Job.Payload.First).To(BeFalse())
			second.Handle.Done("gateway", model.Result{Empty: true})

			Eventually(func() []model.State { return sender.states(jid(10)) }).Should(Equal([]model.State{model.StateRunning, model.StateFinished}))
			Expect(runningIDs()).To(BeEmpty())
		})

		It("acks a group whose queue is empty on the first fetch", func() {
			process(groupJob(10, "batch"))
			Eventually(func() []sentJob { return sender.fetches(jid(10)) }).Should(HaveLen(1))

			sender.fetches(jid(10))[0].Handle.Done("gateway", model.Result{Empty: true})

			Eventually(func() []model.State { return sender.states(jid(10)) }).Should(Equal([]model.State{model.StateRunning, model.StateAcked}))
			Expect(sender.acks(jid(10))).To(HaveLen(1))
		})

		It("skips sub-jobs that fail validation and keeps draining", func() {
			process(groupJob(10, "batch"))
			Eventually(func() []sentJob { return sender.fetches(jid(10)) }).Should(HaveLen(1))

			bad := model.Job{ID: jid(11), Nature: model.NatureCancel}
			sender.fetches(jid(10))[0].Handle.Done("gateway", model.Result{Job: &bad})

			Eventually(func() []sentJob { return sender.fetches(jid(10)) }).Should(HaveLen(2))
			Expect(sender.states(jid(11))).To(Equal([]model.State{model.StateFinished}))
		})

		DescribeTable("cancels every running sub-job before finishing",
			func(order []int) {
				process(groupJob(10, "batch"))
				Eventually(func() []sentJob { return sender.fetches(jid(10)) }).Should(HaveLen(1))
				sender.fetches(jid(10))[0].Handle.Done("gateway", model.Result{Job: subJob(11)})

				second := runJob(12)
				second.Payload.GroupJobID = jid(10)
				process(second)
				Eventually(sender.dispatched).Should(Equal([]string{jid(11), jid(12)}))

				process(cancelJob(20, 10))
				Eventually(func() int {
					return len(sender.cancelations(jid(11))) + len(sender.cancelations(jid(12)))
				}).Should(Equal(2))

				resolve := func(n int) {
					down := sender.cancelations(jid(n))[0]
					sender.execution(jid(n)).Canceled("handler", model.Result{State: model.StateCanceled, CancelMode: model.CancelManual})
					down.Handle.Done("handler", model.Result{State: model.StateFinished, OK: true})
				}

				resolve(order[0])
				Consistently(runningIDs, 200*time.Millisecond).Should(ContainElement(jid(10)))
				Expect(sender.states(jid(10))).To(Equal([]model.State{model.StateRunning}))

				resolve(order[1])
				Eventually(runningIDs).Should(BeEmpty())
				Expect(sender.states(jid(10))).To(Equal([]model.State{model.StateRunning, model.StateCanceled}))
				Expect(sender.states(jid(20))).To(Equal([]model.State{model.StateRunning, model.StateFinished}))
				Expect(sender.acks(jid(10))).To(HaveLen(1))
				Consistently(func() []sentJob { return sender.fetches(jid(10)) }, 200*time.Millisecond).Should(HaveLen(1))
			},
			Entry("in dispatch order", []int{11, 12}),
			Entry("in reverse order", []int{12, 11}),
		)

		It("still finishes the group cancel when a sub-cancel fails", func() {
			process(groupJob(10, "batch"))
			Eventually(func() []sentJob { return sender.fetches(jid(10)) }).Should(HaveLen(1))
			sender.fetches(jid(10))[0].Handle.Done("gateway", model.Result{Job: subJob(11)})
			Eventually(sender.dispatched).Should(HaveLen(1))

			process(cancelJob(20, 10))
			Eventually(func() []sentJob { return sender.cancelations(jid(11)) }).Should(HaveLen(1))
			sender.cancelations(jid(11))[0].Handle.Reject("handler", errors.New("executor gone"))

			Eventually(func() []model.Job { return sender.stateJobs(jid(20)) }).Should(ContainElement(And(
				HaveField("Payload.State", model.StateFinished),
				HaveField("Payload.Error", ContainSubstring("executor gone")),
			)))
			Eventually(func() []model.State { return sender.states(jid(10)) }).Should(ContainElement(model.StateCanceled))
		})

		It("finishes a group cancel at once when no sub-job is running", func() {
			process(groupJob(10, "batch"))
			Eventually(func() []sentJob { return sender.fetches(jid(10)) }).Should(HaveLen(1))

			process(cancelJob(20, 10))

			Eventually(func() []model.State { return sender.states(jid(10)) }).Should(Equal([]model.State{model.StateRunning, model.StateCanceled}))
			Eventually(func() []model.State { return sender.states(jid(20)) }).Should(Equal([]model.State{model.StateRunning, model.StateFinished}))

			sender.fetches(jid(10))[0].Handle.Done("gateway", model.Result{Job: subJob(11)})
			Consistently(sender.dispatched, 200*time.Millisecond).Should(BeEmpty())
		})

		It("acks and settles a sub-job fetched after its group was canceled", func() {
			process(groupJob(10, "batch"))
			Eventually(func() []sentJob { return sender.fetches(jid(10)) }).Should(HaveLen(1))

			process(cancelJob(20, 10))
			Eventually(func() []model.State { return sender.states(jid(10)) }).Should(ContainElement(model.StateCanceled))

			sender.fetches(jid(10))[0].Handle.Done("gateway", model.Result{Job: subJob(11)})

			Eventually(func() []model.Job { return sender.acks(jid(11)) }).Should(ConsistOf(And(
				HaveField("Payload.Queue", "batch"),
				HaveField("Payload.MessageID", "11-1"),
			)))
			Eventually(func() []model.State { return sender.states(jid(11)) }).Should(Equal([]model.State{model.StateCanceled}))
			Consistently(sender.dispatched, 200*time.Millisecond).Should(BeEmpty())
			Expect(sender.acks(jid(11))).To(HaveLen(1))
		})

		It("keeps draining after a sub-job is canceled on its own", func() {
			process(groupJob(10, "batch"))
			Eventually(func() []sentJob { return sender.fetches(jid(10)) }).Should(HaveLen(1))
			sender.fetches(jid(10))[0].Handle.Done("gateway", model.Result{Job: subJob(11)})
			Eventually(sender.dispatched).Should(Equal([]string{jid(11)}))

			process(cancelJob(20, 11))
			Eventually(func() []sentJob { return sender.cancelations(jid(11)) }).Should(HaveLen(1))
			sender.execution(jid(11)).Canceled("handler", model.Result{State: model.StateCanceled, CancelMode: model.CancelManual})
			sender.cancelations(jid(11))[0].Handle.Done("handler", model.Result{State: model.StateFinished, OK: true})

			Eventually(func() []sentJob { return sender.fetches(jid(10)) }).Should(HaveLen(2))
			Expect(sender.fetches(jid(10))[1].Job.Payload.First).To(BeFalse())
			Expect(sender.states(jid(11))).To(ContainElement(model.StateCanceled))
			Expect(runningIDs()).To(ContainElement(jid(10)))
		})
	})

	It("stops accepting work once stopped", func() {
		stopCtx, cancel := context.WithCancel(ctx)
		stopped := broker.New(cfg, sender)
		done := make(chan error, 1)
		go func() { done <- stopped.Run(stopCtx) }()
		cancel()
		Eventually(done).Should(Receive(BeNil()))

		Expect(stopped.Process(ctx, runJob(1))).To(MatchError(broker.ErrStopped))
	})
})

var _ bus.Sender = (*recordingSender)(nil)
