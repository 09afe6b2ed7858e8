// Package invoke provides dispatch.Invoker adapters for remote models.
//
// HTTPInvoker posts each request as JSON to a generic endpoint.
// OpenAIInvoker calls an OpenAI-compatible chat completions API. Both map
// failures onto the resilience taxonomy so the wrapper retries only what is
// worth retrying:
//
//   - 408, 425, 429 and 5xx responses and network errors are transient.
//   - Other 4xx responses (bad request, authentication, quota) are permanent.
//   - An empty response body is transient.
//   - A body that must be JSON but does not parse is permanent.
package invoke
