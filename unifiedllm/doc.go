// Package unifiedllm is the model collaborator used by the agent loop. It
// presents one chat interface over two kinds of backend:
//
//   - OllamaAdapter talks to a local Ollama server (/api/chat, NDJSON streaming).
//   - GollmAdapter wraps github.com/teilomillet/gollm for hosted providers
//     such as OpenAI, Anthropic and Groq.
//
// # Architecture
//
//   - Provider layer: ProviderAdapter interface and shared types
//   - Utilities: retry with backoff, error classification
//   - Client: provider routing and middleware
//
// # Quick Start
//
//	client, _ := unifiedllm.NewClientFromConfig(unifiedllm.ClientConfig{
//	    Provider: "ollama",
//	    Model:    "qwen2.5-coder:3b",
//	})
//
//	events, _ := client.Stream(ctx, unifiedllm.Request{
//	    Model:    "qwen2.5-coder:3b",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	resp, _ := unifiedllm.CollectStream(events, func(d string) { fmt.Print(d) })
//	fmt.Println(resp.Text())
//
// # Errors
//
// Backend failures are reported as *Error, classified by Kind. Use IsRetryable
// to decide whether a failure is transient and IsAbort to tell caller
// cancellation apart from backend errors.
package unifiedllm
