package taskmaster_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grishkovelli/taskmaster"
)

var _ = Describe("Task callbacks", func() {
	It("invokes a registered callback by name", func() {
		task := taskmaster.NewTask("echo", "payload")
		task.RegisterCallback("double", func(a taskmaster.CallArgs) (any, error) {
			return a.Args.(int) * 2, nil
		})

		result, err := task.Call("double", 21)
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(42))
	})

	It("errors on an unregistered callback name", func() {
		task := taskmaster.NewTask("echo", nil)
		_, err := task.Call("missing", nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("QueueTaskFactory", func() {
	It("serves ungrouped tasks only for an ungrouped request", func() {
		f := taskmaster.NewQueueTaskFactory([]*taskmaster.Task{
			taskmaster.NewTask("a", nil),
			taskmaster.NewTask("b", nil),
		})

		group := "alpha"
		_, ok := f.CreateNextTask(&group)
		Expect(ok).To(BeFalse())

		task, ok := f.CreateNextTask(nil)
		Expect(ok).To(BeTrue())
		Expect(task.Handler).To(Equal("a"))
		Expect(f.Remaining()).To(Equal(1))
	})

	It("only yields tasks matching the requested group", func() {
		alpha, beta := "alpha", "beta"
		grouped := taskmaster.NewTask("a", nil).WithGroup(alpha)
		f := taskmaster.NewQueueTaskFactory([]*taskmaster.Task{grouped})

		_, ok := f.CreateNextTask(&beta)
		Expect(ok).To(BeFalse())

		task, ok := f.CreateNextTask(&alpha)
		Expect(ok).To(BeTrue())
		Expect(task).To(Equal(grouped))
	})

	It("restricts a grouped factory to its declared groups", func() {
		alpha := "alpha"
		f := taskmaster.NewGroupedQueueTaskFactory(
			[]*taskmaster.Task{taskmaster.NewTask("a", nil).WithGroup(alpha)},
			[]string{"alpha"},
		)
		Expect(f.Groups()).To(ConsistOf("alpha"))

		task, ok := f.CreateNextTask(&alpha)
		Expect(ok).To(BeTrue())
		Expect(task.Handler).To(Equal("a"))
	})
})
