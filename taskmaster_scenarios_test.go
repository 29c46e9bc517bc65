package taskmaster_test

import (
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grishkovelli/taskmaster"
	"github.com/grishkovelli/taskmaster/pkg/wire"
)

func newEchoWorker(cfg *taskmaster.Config, group *string, stop chan struct{}) *taskmaster.Worker {
	w := taskmaster.NewWorker(cfg, func() (*taskmaster.WorkerInstance, error) {
		a, b := wire.NewInMemoryPair()
		fakeChild(b, func(req wire.RunTaskRequest) (any, error) {
			return req.Args, nil
		}, stop)
		return taskmaster.NewWorkerInstance(a), nil
	})
	w.Group = group
	return w
}

var _ = Describe("Taskmaster", func() {
	var cfg *taskmaster.Config
	var stop chan struct{}

	BeforeEach(func() {
		cfg = &taskmaster.Config{Executable: "unused", MaxRestartAttempts: 1}
		stop = make(chan struct{})
	})

	AfterEach(func() {
		close(stop)
	})

	It("runs a sync echo workload and fires callbacks in submission order", func() {
		tm := taskmaster.New(cfg)
		w := newEchoWorker(cfg, nil, stop)
		Expect(tm.AddWorker(w)).To(Succeed())

		var mu sync.Mutex
		var order []float64
		for i := 1; i <= 3; i++ {
			task := taskmaster.NewTask("echo", float64(i))
			task.OnResult = func(data any) {
				mu.Lock()
				order = append(order, data.(float64))
				mu.Unlock()
			}
			tm.AddTask(task)
		}

		tm.WaitUntilAllTasksAreAssigned()
		tm.Wait()
		tm.Stop()

		Expect(order).To(Equal([]float64{1, 2, 3}))
	})

	It("segregates tasks by group across two workers", func() {
		tm := taskmaster.New(cfg)
		groupA, groupB := "A", "B"
		wa := newEchoWorker(cfg, &groupA, stop)
		wb := newEchoWorker(cfg, &groupB, stop)
		Expect(tm.AddWorker(wa)).To(Succeed())
		Expect(tm.AddWorker(wb)).To(Succeed())

		var mu sync.Mutex
		var seenA, seenB []float64
		groups := []string{"A", "A", "B", "A", "B"}
		for i, g := range groups {
			group := g
			task := taskmaster.NewTask("echo", float64(i)).WithGroup(group)
			task.OnResult = func(data any) {
				mu.Lock()
				defer mu.Unlock()
				if group == "A" {
					seenA = append(seenA, data.(float64))
				} else {
					seenB = append(seenB, data.(float64))
				}
			}
			tm.AddTask(task)
		}

		tm.WaitUntilAllTasksAreAssigned()
		tm.Wait()
		tm.Stop()

		Expect(seenA).To(Equal([]float64{0, 1, 3}))
		Expect(seenB).To(Equal([]float64{2, 4}))
	})

	It("drains a task factory before falling back to the queued list", func() {
		tm := taskmaster.New(cfg)
		w := newEchoWorker(cfg, nil, stop)
		Expect(tm.AddWorker(w)).To(Succeed())

		factoryTask := taskmaster.NewTask("echo", "from-factory")
		served := false
		tm.AddTaskFactory(taskmaster.FuncTaskFactory(func(group *string) (*taskmaster.Task, bool) {
			if served {
				return nil, false
			}
			served = true
			return factoryTask, true
		}))

		var mu sync.Mutex
		var order []string
		factoryTask.OnResult = func(data any) {
			mu.Lock()
			order = append(order, data.(string))
			mu.Unlock()
		}

		queuedTask := taskmaster.NewTask("echo", "from-queue")
		queuedTask.OnResult = func(data any) {
			mu.Lock()
			order = append(order, data.(string))
			mu.Unlock()
		}
		tm.AddTask(queuedTask)

		tm.WaitUntilAllTasksAreAssigned()
		tm.Wait()
		tm.Stop()

		Expect(order).To(Equal([]string{"from-factory", "from-queue"}))
	})
})

func sendProxyEnvelope(sock *wire.InMemorySocket, logicalID *string, inner wire.Message) {
	pm := wire.ProxyMessage{LogicalWorkerID: logicalID, Inner: inner}
	payload, _ := json.Marshal(pm)
	raw, _ := wire.Marshal(wire.Message{Kind: "proxy_envelope", Payload: payload})
	sock.Send(raw)
}

func readProxyEnvelope(raw []byte) (wire.ProxyMessage, error) {
	msg, err := wire.Unmarshal(raw)
	if err != nil {
		return wire.ProxyMessage{}, err
	}
	var pm wire.ProxyMessage
	err = wire.Decode(msg, &pm)
	return pm, err
}

// fakeRemoteRuntime stands in for the remote process on the other end of a
// Proxy connection: it answers start_worker_instance with a Hello for that
// logical id, and echoes run_task requests back as the task's result.
func fakeRemoteRuntime(underlying *wire.InMemorySocket, stop chan struct{}) {
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}

			frames, err := underlying.Receive()
			if err != nil {
				return
			}
			for _, raw := range frames {
				pm, err := readProxyEnvelope(raw)
				if err != nil {
					continue
				}

				switch pm.Inner.Kind {
				case wire.KindStartWorkerInstanceReq:
					var body wire.StartWorkerInstanceRequest
					_ = wire.Decode(pm.Inner, &body)
					id := body.InstanceID
					hello, _ := wire.Encode(wire.KindHello, 0, 0, wire.Hello{InstanceID: id})
					sendProxyEnvelope(underlying, &id, hello)
				case wire.KindRunTaskRequest:
					var body wire.RunTaskRequest
					_ = wire.Decode(pm.Inner, &body)
					resp, _ := wire.Encode(wire.KindResponse, 0, pm.Inner.ID, wire.Response{Result: body.Args})
					sendProxyEnvelope(underlying, pm.LogicalWorkerID, resp)
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

var _ = Describe("Proxy", func() {
	It("fans one physical connection out into multiple logical worker instances", func() {
		parentSide, remoteSide := wire.NewInMemoryPair()
		stop := make(chan struct{})
		fakeRemoteRuntime(remoteSide, stop)
		defer close(stop)

		proxy := taskmaster.NewProxy(parentSide, 0)

		pumpStop := make(chan struct{})
		go func() {
			for {
				select {
				case <-pumpStop:
					return
				default:
				}
				proxy.Pump()
				time.Sleep(time.Millisecond)
			}
		}()
		defer close(pumpStop)

		inst1, err := proxy.StartWorkerInstance("w1")
		Expect(err).NotTo(HaveOccurred())
		inst2, err := proxy.StartWorkerInstance("w2")
		Expect(err).NotTo(HaveOccurred())

		Expect(inst1.Start()).To(Succeed())
		Expect(inst2.Start()).To(Succeed())

		task1 := taskmaster.NewTask("echo", 10.0)
		result1 := make(chan any, 1)
		task1.OnResult = func(data any) { result1 <- data }
		inst1.RunTask(task1)

		task2 := taskmaster.NewTask("echo", 20.0)
		result2 := make(chan any, 1)
		task2.OnResult = func(data any) { result2 <- data }
		inst2.RunTask(task2)

		Eventually(func() any {
			inst1.Update()
			select {
			case v := <-result1:
				return v
			default:
				return nil
			}
		}, time.Second, 2*time.Millisecond).Should(Equal(10.0))

		Eventually(func() any {
			inst2.Update()
			select {
			case v := <-result2:
				return v
			default:
				return nil
			}
		}, time.Second, 2*time.Millisecond).Should(Equal(20.0))
	})
})
