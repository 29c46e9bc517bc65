package taskmaster_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grishkovelli/taskmaster"
	"github.com/grishkovelli/taskmaster/pkg/wire"
)

// fakeChild drives the far end of an InMemorySocket as a minimal stand-in
// for a real worker process: it answers Hello immediately, then services
// run_task requests with handler, one at a time, until stop fires.
func fakeChild(sock *wire.InMemorySocket, handler func(wire.RunTaskRequest) (any, error), stop chan struct{}) {
	hello, _ := wire.Encode(wire.KindHello, 0, 0, wire.Hello{InstanceID: "fake"})
	raw, _ := wire.Marshal(hello)
	sock.Send(raw)

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}

			frames, err := sock.Receive()
			if err != nil {
				return
			}
			for _, f := range frames {
				msg, err := wire.Unmarshal(f)
				if err != nil {
					continue
				}
				if msg.Kind != wire.KindRunTaskRequest {
					continue
				}
				var body wire.RunTaskRequest
				_ = wire.Decode(msg, &body)

				result, err := handler(body)
				var resp wire.Message
				if err != nil {
					resp, _ = wire.Encode(wire.KindErrorResponse, 0, msg.ID, wire.ErrorResponse{Message: err.Error()})
				} else {
					resp, _ = wire.Encode(wire.KindResponse, 0, msg.ID, wire.Response{Result: result})
				}
				out, _ := wire.Marshal(resp)
				sock.Send(out)
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

var _ = Describe("WorkerInstance", func() {
	var parent, child *wire.InMemorySocket
	var stop chan struct{}

	BeforeEach(func() {
		parent, child = wire.NewInMemoryPair()
		stop = make(chan struct{})
	})

	AfterEach(func() {
		close(stop)
	})

	It("transitions starting -> idle on Hello and runs a task to completion", func() {
		fakeChild(child, func(req wire.RunTaskRequest) (any, error) {
			return req.Args, nil
		}, stop)

		inst := taskmaster.NewWorkerInstance(parent)
		Expect(inst.Start()).To(Succeed())
		Expect(inst.Status()).To(Equal(taskmaster.StatusIdle))

		task := taskmaster.NewTask("echo", "hi")
		var resultCh = make(chan any, 1)
		task.OnResult = func(data any) { resultCh <- data }

		inst.RunTask(task)
		Eventually(func() any {
			inst.Update()
			select {
			case v := <-resultCh:
				return v
			default:
				return nil
			}
		}, time.Second, 2*time.Millisecond).Should(Equal("hi"))
	})

	It("dispatches an execute_function callback to the running task", func() {
		fakeChild(child, func(req wire.RunTaskRequest) (any, error) {
			callback, _ := wire.Encode(wire.KindExecuteFunctionRequest, 99, 0, wire.ExecuteFunctionRequest{
				Name: "double", Args: 21,
			})
			out, _ := wire.Marshal(callback)
			child.Send(out)
			time.Sleep(5 * time.Millisecond)
			return "done", nil
		}, stop)

		inst := taskmaster.NewWorkerInstance(parent)
		Expect(inst.Start()).To(Succeed())

		task := taskmaster.NewTask("with-callback", nil)
		var called int
		task.RegisterCallback("double", func(a taskmaster.CallArgs) (any, error) {
			// Args cross the wire as JSON, so numbers arrive as float64.
			called = int(a.Args.(float64)) * 2
			return called, nil
		})

		done := make(chan any, 1)
		task.OnResult = func(data any) { done <- data }
		inst.RunTask(task)

		Eventually(func() int {
			inst.Update()
			return called
		}, time.Second, 2*time.Millisecond).Should(Equal(42))
	})

	It("rejects the in-flight promise and calls OnError when the instance fails", func() {
		fakeChild(child, func(req wire.RunTaskRequest) (any, error) { return nil, nil }, stop)

		inst := taskmaster.NewWorkerInstance(parent)
		Expect(inst.Start()).To(Succeed())

		task := taskmaster.NewTask("doomed", nil)
		errCh := make(chan taskmaster.ErrorResponse, 1)
		task.OnError = func(resp taskmaster.ErrorResponse) { errCh <- resp }

		p := inst.RunTask(task)
		var rejected error
		p.Catch(func(err error) { rejected = err })

		failMsg, _ := wire.Encode(wire.KindWorkerFailedResponse, 0, 0, wire.WorkerFailedResponse{
			InstanceID: "fake", Reason: "boom",
		})
		out, _ := wire.Marshal(failMsg)
		child.Send(out)

		Eventually(func() taskmaster.WorkerStatus {
			inst.Update()
			return inst.Status()
		}, time.Second, 2*time.Millisecond).Should(Equal(taskmaster.StatusFailed))

		Expect(rejected).To(HaveOccurred())
		Eventually(errCh).Should(Receive())
	})
})
