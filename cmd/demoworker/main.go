// Command demoworker is an illustrative child process that speaks the
// taskmaster wire protocol over stdio. It is not part of the library's
// public contract — a real deployment supplies its own child binary —
// but gives the orchestrator something real to spawn and exercise end to
// end in the example and in tests that want a genuine os/exec child
// rather than an in-memory socket pair.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/grishkovelli/taskmaster/pkg/wire"
)

func main() {
	if err := sendMessage(os.Stdout, wire.Message{Kind: wire.KindHello}); err != nil {
		fmt.Fprintln(os.Stderr, "demoworker: failed to send hello:", err)
		os.Exit(1)
	}

	for {
		msg, err := readMessage(os.Stdin)
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "demoworker: read error:", err)
			return
		}

		switch msg.Kind {
		case wire.KindRunTaskRequest:
			handleRunTask(msg)
		case wire.KindTerminateRequest:
			return
		}
	}
}

func handleRunTask(req wire.Message) {
	var body wire.RunTaskRequest
	if err := wire.Decode(req, &body); err != nil {
		sendError(req, err)
		return
	}

	result, err := runHandler(body.Handler, body.Args)
	if err != nil {
		sendError(req, err)
		return
	}

	resp, err := wire.Encode(wire.KindResponse, 0, req.ID, wire.Response{Result: result})
	if err != nil {
		sendError(req, err)
		return
	}
	_ = sendMessage(os.Stdout, resp)
}

// runHandler covers the small set of demo handlers this binary knows:
// "echo" returns args unchanged, "fail" always errors, and "crash" exits
// the process immediately without responding, so a parent can exercise
// its prompt child-exit detection against a task that never completes.
func runHandler(name string, args any) (any, error) {
	switch name {
	case "echo":
		return args, nil
	case "fail":
		return nil, fmt.Errorf("demoworker: handler %q always fails", name)
	case "crash":
		os.Exit(1)
		return nil, nil
	default:
		return nil, fmt.Errorf("demoworker: unknown handler %q", name)
	}
}

func sendError(req wire.Message, err error) {
	resp, encErr := wire.Encode(wire.KindErrorResponse, 0, req.ID, wire.ErrorResponse{Message: err.Error()})
	if encErr != nil {
		return
	}
	_ = sendMessage(os.Stdout, resp)
}

func sendMessage(w io.Writer, msg wire.Message) error {
	raw, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(raw)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

func readMessage(r io.Reader) (wire.Message, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return wire.Message{}, err
	}
	size := binary.BigEndian.Uint32(header)
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return wire.Message{}, err
	}
	return wire.Unmarshal(payload)
}
