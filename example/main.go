package main

import (
	"fmt"
	"log"

	"github.com/grishkovelli/taskmaster"
)

func main() {
	cfg, err := taskmaster.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	cfg.Executable = "./cmd/demoworker/demoworker"

	tm := taskmaster.New(cfg)

	for i := 0; i < 50; i++ {
		task := taskmaster.NewTask("echo", fmt.Sprintf("item-%d", i))
		task.OnResult = func(data any) { fmt.Printf("got: %v\n", data) }
		task.OnError = func(resp taskmaster.ErrorResponse) { fmt.Printf("task failed: %s\n", resp.Message) }
		tm.AddTask(task)
	}

	if err := tm.AutoDetectWorkers(4); err != nil {
		log.Fatal(err)
	}

	tm.WaitUntilAllTasksAreAssigned()
	tm.Wait()
	tm.Stop()
}
