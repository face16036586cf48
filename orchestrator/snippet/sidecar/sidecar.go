// Package sidecar implements snippet.Runtime against an out-of-process
// sandbox child process, grounded on the reference runtime's streaming
// RPC caller shape (runtime/mcp/ssecaller.go): a JSON request/response
// pair is exchanged per call, except here the transport is a
// length-prefixed frame on the child's stdin/stdout rather than an
// HTTP+SSE stream, so the sandbox process never has to speak HTTP.
//
// Running compile/run out of process is the production posture for
// untrusted generated code: the sidecar process enforces its own
// resource and filesystem isolation, and a crash there never takes the
// orchestrator process down with it.
package sidecar

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/snipporch/core/orchestrator/snippet"
)

// maxFrameBytes bounds a single response frame, guarding against a
// misbehaving or compromised child process claiming an unbounded length
// prefix.
const maxFrameBytes = 64 << 20

// Runtime is a snippet.Runtime backed by a long-lived sidecar child
// process reached over stdin/stdout.
type Runtime struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	namespace string

	mu sync.Mutex
}

// Options configures a Runtime.
type Options struct {
	// Command is the sidecar executable path.
	Command string
	// Args are passed to Command.
	Args []string
	// Namespace scopes compiled artifacts and running instances to one
	// execution request; see snippet.DefaultNamespace.
	Namespace string
}

// New launches the sidecar process and wires its stdin/stdout pipes. The
// process is expected to run until Close is called; Compile/Run issue one
// length-prefixed JSON frame per call over the same pipes, serialized by
// mu since a single stdin/stdout pair carries only one in-flight
// request at a time.
func New(opts Options) (*Runtime, error) {
	if opts.Command == "" {
		return nil, errors.New("sidecar command is required")
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar: open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar: open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sidecar: start process: %w", err)
	}
	return &Runtime{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    bufio.NewReader(stdout),
		namespace: opts.Namespace,
	}, nil
}

// Close terminates the sidecar process and releases its pipes.
func (r *Runtime) Close() error {
	_ = r.stdin.Close()
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	return r.cmd.Wait()
}

type rpcRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type rpcError struct {
	Message     string               `json:"message"`
	Diagnostics []snippet.Diagnostic `json:"diagnostics,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

func (e *rpcError) Error() string { return e.Message }

// Compile implements snippet.Runtime by invoking the sidecar's "compile"
// method.
func (r *Runtime) Compile(ctx context.Context, source string) (snippet.CompileResult, error) {
	result, err := r.call(ctx, "compile", map[string]any{
		"namespace": r.namespace,
		"source":    source,
	})
	if err != nil {
		var rerr *rpcError
		if errors.As(err, &rerr) {
			return snippet.CompileResult{}, &snippet.CompileFailed{Diagnostics: rerr.Diagnostics}
		}
		return snippet.CompileResult{}, fmt.Errorf("sidecar compile: %w", err)
	}
	var out snippet.CompileResult
	if err := json.Unmarshal(result, &out); err != nil {
		return snippet.CompileResult{}, fmt.Errorf("decode compile result: %w", err)
	}
	return out, nil
}

// Run implements snippet.Runtime by invoking the sidecar's "run" method.
// Only rc's service endpoints and a dump of its SharedMemory cross the
// process boundary; OperationClients are not sent, so the sidecar reaches
// operation clients through its own configuration.
func (r *Runtime) Run(ctx context.Context, artifact string, rc snippet.RunContext) (snippet.RunResult, error) {
	var memDump any
	if rc.SharedMemory != nil {
		memDump = rc.SharedMemory.Dump()
	}
	result, err := r.call(ctx, "run", map[string]any{
		"namespace":         r.namespace,
		"artifact":          artifact,
		"service_endpoints": rc.ServiceEndpoints,
		"shared_memory":     memDump,
	})
	if err != nil {
		var rerr *rpcError
		if errors.As(err, &rerr) {
			return snippet.RunResult{}, &snippet.RunFailed{SummaryOfError: rerr.Message}
		}
		return snippet.RunResult{}, fmt.Errorf("sidecar run: %w", err)
	}
	var out snippet.RunResult
	if err := json.Unmarshal(result, &out); err != nil {
		return snippet.RunResult{}, fmt.Errorf("decode run result: %w", err)
	}
	return out, nil
}

// call writes one length-prefixed request frame to the sidecar's stdin
// and reads one length-prefixed response frame from its stdout,
// returning the "result" payload or the decoded rpcError.
func (r *Runtime) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	type callResult struct {
		resp rpcResponse
		err  error
	}
	done := make(chan callResult, 1)
	go func() {
		if err := writeFrame(r.stdin, body); err != nil {
			done <- callResult{err: fmt.Errorf("sidecar: write request frame: %w", err)}
			return
		}
		frame, err := readFrame(r.stdout)
		if err != nil {
			if errors.Is(err, io.EOF) {
				done <- callResult{err: errors.New("sidecar: process closed stdout before responding")}
				return
			}
			done <- callResult{err: fmt.Errorf("sidecar: read response frame: %w", err)}
			return
		}
		var rpcResp rpcResponse
		if err := json.Unmarshal(frame, &rpcResp); err != nil {
			done <- callResult{err: fmt.Errorf("sidecar: decode response frame: %w", err)}
			return
		}
		done <- callResult{resp: rpcResp}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, res.resp.Error
		}
		return res.resp.Result, nil
	}
}

// writeFrame writes a 4-byte big-endian length prefix followed by
// payload, the length-prefixed JSON-RPC-like framing SnippetRuntime's
// sidecar protocol uses in place of HTTP.
func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame written by writeFrame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("sidecar: frame of %d bytes exceeds %d byte limit", n, maxFrameBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
