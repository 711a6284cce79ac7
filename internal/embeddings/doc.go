// Package embeddings turns summaries and queries into vectors for the
// memory store.
//
// Providers:
//   - hash: deterministic feature hashing, no model or network (default)
//   - fastembed: local ONNX models, requires cgo and the ONNX runtime
//   - tei: a Text Embeddings Inference server (POST /embed)
//   - openai: any OpenAI-compatible /embeddings endpoint via langchaingo
package embeddings
