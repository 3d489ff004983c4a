// Package auth authenticates requests at the edge and carries the resulting
// principal on the request context.
//
// Credentials are a list of "username:bcrypt-hash" lines. They are loaded from
// a local file or from S3, where an SSM parameter names the sha256 of the
// current object and an optional KMS-held key signs it. A Watcher polls the
// source and swaps the active set without a restart.
//
// BasicAuth never rejects a request that carries no credentials: such requests
// continue anonymously, with no principal in the context. Only wrong
// credentials are refused.
package auth
