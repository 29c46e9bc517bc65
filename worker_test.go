package taskmaster_test

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grishkovelli/taskmaster"
	"github.com/grishkovelli/taskmaster/pkg/wire"
)

// spawnWithBackdoor returns a spawner function that always hands back a
// fresh hello'd instance, plus a thread-safe accessor for the child side of
// whichever instance is currently live — letting a test inject a
// WorkerFailedResponse the way a real child would on an unrecoverable
// error.
func spawnWithBackdoor() (spawn func() (*taskmaster.WorkerInstance, error), child func() *wire.InMemorySocket, spawns *int32) {
	var mu sync.Mutex
	var current *wire.InMemorySocket
	var n int32

	spawn = func() (*taskmaster.WorkerInstance, error) {
		atomic.AddInt32(&n, 1)
		a, b := wire.NewInMemoryPair()
		hello, _ := wire.Encode(wire.KindHello, 0, 0, wire.Hello{InstanceID: "x"})
		raw, _ := wire.Marshal(hello)
		b.Send(raw)

		mu.Lock()
		current = b
		mu.Unlock()

		return taskmaster.NewWorkerInstance(a), nil
	}
	child = func() *wire.InMemorySocket {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	return spawn, child, &n
}

var _ = Describe("Worker", func() {
	It("reports STARTING before Start and AVAILABLE once idle", func() {
		spawn, _, spawns := spawnWithBackdoor()
		w := taskmaster.NewWorker(&taskmaster.Config{MaxRestartAttempts: 2}, spawn)
		Expect(w.Status()).To(Equal(taskmaster.StatusStarting))

		Expect(w.Start()).To(Succeed())
		Expect(w.Status()).To(Equal(taskmaster.StatusAvailable))
		Expect(atomic.LoadInt32(spawns)).To(Equal(int32(1)))
	})

	It("respawns on failure up to MaxRestartAttempts, then goes dead", func() {
		spawn, child, spawns := spawnWithBackdoor()
		w := taskmaster.NewWorker(&taskmaster.Config{MaxRestartAttempts: 2}, spawn)
		Expect(w.Start()).To(Succeed())

		// handleInstanceFailure only does its backoff sleep and respawn on a
		// detached goroutine, so w.Update() itself returns immediately and
		// the respawned instance shows up asynchronously.
		sendFailureAndAwaitRespawn := func() {
			prev := w.Instance()
			failMsg, _ := wire.Encode(wire.KindWorkerFailedResponse, 0, 0, wire.WorkerFailedResponse{
				InstanceID: "x", Reason: "simulated failure",
			})
			raw, _ := wire.Marshal(failMsg)
			child().Send(raw)
			w.Update()
			Eventually(func() bool {
				inst := w.Instance()
				return inst != prev && inst != nil && inst.IsAvailable()
			}, time.Second, 5*time.Millisecond).Should(BeTrue())
		}

		sendFailureAndAwaitRespawn()
		Expect(atomic.LoadInt32(spawns)).To(Equal(int32(2)))

		sendFailureAndAwaitRespawn()
		Expect(atomic.LoadInt32(spawns)).To(Equal(int32(3)))

		// The third failure exhausts MaxRestartAttempts; the Worker goes
		// dead instead of respawning again.
		failMsg, _ := wire.Encode(wire.KindWorkerFailedResponse, 0, 0, wire.WorkerFailedResponse{
			InstanceID: "x", Reason: "simulated failure",
		})
		raw, _ := wire.Marshal(failMsg)
		child().Send(raw)
		w.Update()

		Eventually(func() bool { return w.IsDead() }, time.Second, 5*time.Millisecond).Should(BeTrue())
		Expect(atomic.LoadInt32(spawns)).To(Equal(int32(3)))
	})
})
