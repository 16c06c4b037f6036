// Package agentloop implements a code-executing agent loop.
//
// A Session pairs a language model with a local execution sandbox. For each
// user request it calls the model, extracts fenced code blocks from the
// reply, runs them, and sends the captured output back as the next user
// message. The loop ends when the model writes DONE outside its code
// fences, when the per-request turn budget is spent, when the model call
// fails, or when the request context is cancelled.
//
// # Architecture
//
//   - Session: the turn orchestrator. Owns the Conversation and the Sandbox
//     and runs one request at a time.
//   - Model: the collaborator that produces assistant text. ClientModel
//     adapts a unifiedllm.Client.
//   - Conversation: the append-only transcript. Snapshot bounds what is
//     sent to the model without ever rewriting the transcript.
//   - ParseResponse: splits a reply into executable CodeBlocks and the
//     completion signal.
//   - Sandbox: runs shell blocks as subprocesses and interpreted blocks in a
//     persistent Starlark namespace, each under a wall-clock budget.
//   - EventEmitter: typed events for rendering and logging.
//
// The sandbox contains failures and bounds run time. It is not an
// isolation boundary: executed code runs with the privileges of this
// process and its file, network and process side effects are real.
//
// # Quick Start
//
//	client, _ := unifiedllm.NewClientFromConfig(unifiedllm.ClientConfig{Model: "qwen2.5-coder:3b"})
//	model := &agentloop.ClientModel{Client: client, Model: "qwen2.5-coder:3b", Stream: true}
//
//	cfg := agentloop.DefaultSessionConfig()
//	session := agentloop.NewSession(model, &cfg)
//	defer session.Close()
//
//	session.Subscribe(func(ev agentloop.SessionEvent) {
//	    if ev.Kind == agentloop.EventAssistantTextDelta {
//	        fmt.Print(ev.String("delta"))
//	    }
//	})
//
//	outcome, err := session.Submit(ctx, "how many go files are in this repo?")
package agentloop
