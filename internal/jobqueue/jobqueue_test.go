package jobqueue_test

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/jobagent/internal/jobqueue"
	"basegraph.app/jobagent/internal/model"
)

func job(n int, priority *int) model.Job {
	return model.Job{
		ID:      fmt.Sprintf("%024x", n),
		Nature:  model.NatureRun,
		Payload: model.Payload{Priority: priority},
	}
}

func p(v int) *int { return &v }

func drain(q *jobqueue.Queue) []string {
	var ids []string
	for {
		j, ok := q.Dequeue()
		if !ok {
			return ids
		}
		ids = append(ids, j.ID)
	}
}

var _ = Describe("Queue", func() {
	var q *jobqueue.Queue

	BeforeEach(func() {
		q = jobqueue.New(2)
	})

	It("orders by priority with FIFO among ties", func() {
		Expect(q.Enqueue(job(1, p(2)))).To(Succeed())
		Expect(q.Enqueue(job(2, nil))).To(Succeed())
		Expect(q.Enqueue(job(3, p(1)))).To(Succeed())
		Expect(q.Enqueue(job(4, p(3)))).To(Succeed())
		Expect(q.Enqueue(job(5, p(2)))).To(Succeed())

		Expect(drain(q)).To(Equal([]string{
			job(3, nil).ID,
			job(1, nil).ID,
			job(2, nil).ID,
			job(5, nil).ID,
			job(4, nil).ID,
		}))
	})

	It("keeps insertion order for many equal priorities", func() {
		var want []string
		for i := 1; i <= 50; i++ {
			Expect(q.Enqueue(job(i, nil))).To(Succeed())
			want = append(want, job(i, nil).ID)
		}
		Expect(q.Jobs()).To(HaveLen(50))
		Expect(drain(q)).To(Equal(want))
	})

	It("rejects duplicate ids without changing the queue", func() {
		Expect(q.Enqueue(job(1, nil))).To(Succeed())

		err := q.Enqueue(job(1, p(0)))
		var dup *jobqueue.DuplicateJobError
		Expect(err).To(BeAssignableToTypeOf(dup))
		Expect(err.Error()).To(ContainSubstring(job(1, nil).ID))
		Expect(q.Len()).To(Equal(1))
	})

	It("removes a job by id and preserves the order of the rest", func() {
		for i := 1; i <= 4; i++ {
			Expect(q.Enqueue(job(i, nil))).To(Succeed())
		}

		removed, ok := q.Remove(job(2, nil).ID)
		Expect(ok).To(BeTrue())
		Expect(removed.ID).To(Equal(job(2, nil).ID))
		Expect(q.Has(job(2, nil).ID)).To(BeFalse())

		_, ok = q.Remove(job(2, nil).ID)
		Expect(ok).To(BeFalse())

		Expect(drain(q)).To(Equal([]string{job(1, nil).ID, job(3, nil).ID, job(4, nil).ID}))
	})

	It("reports empty", func() {
		Expect(q.IsEmpty()).To(BeTrue())
		_, ok := q.Dequeue()
		Expect(ok).To(BeFalse())

		Expect(q.Enqueue(job(1, nil))).To(Succeed())
		Expect(q.IsEmpty()).To(BeFalse())
		Expect(q.Has(job(1, nil).ID)).To(BeTrue())
	})

	It("allows re-enqueueing an id after it left the queue", func() {
		Expect(q.Enqueue(job(1, nil))).To(Succeed())
		_, _ = q.Dequeue()
		Expect(q.Enqueue(job(1, nil))).To(Succeed())
	})
})
