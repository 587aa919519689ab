// Package core implements the resumable chunked image upload engine.
//
// It is independent of any transport: an HTTP handler, a CLI or a test calls
// [Service] directly.
//
// # Pipeline
//
//  1. [Service.InitializeUpload] records a pending upload with an empty
//     chunk bitmap.
//  2. [Service.UploadChunk] stores each chunk through the [ChunkStore] and
//     sets its bit with a single atomic [Repository.MarkChunk]. Chunks may
//     arrive in any order and concurrently; resending a recorded chunk is a
//     no-op.
//  3. The call that completes the bitmap runs the [AssemblyEngine]. A
//     compare-and-swap from uploading to assembling makes sure exactly one
//     caller concatenates the chunks, in index order, into the final object
//     and verifies its size and checksum.
//  4. The [VariantGenerator] derives the configured variants (original plus
//     resized tiers) all or nothing.
//  5. [Service.AttachToEntity] binds the variant set to an external entity
//     through the [AttachmentBinder], replacing any previous primary set.
//
// # States
//
//	pending -> uploading -> assembling -> completed
//	                  ^          |
//	                  |          v
//	                  +------ failed
//
// A failed upload keeps its chunks. Re-sending a chunk or calling
// [Service.ResumeUpload] moves it back to uploading and, once complete,
// assembles again from scratch.
//
// # Locking
//
// Bitmap and status changes are atomic at the [Repository]. Derivative work
// (variant generation, attach, cancel) additionally holds a per-upload lock
// from [lock.Locker]; attach also holds a per-entity lock, always taken after
// the upload lock. Assembly and variant generation share a bounded pool of
// processing slots ([ProcessingLimiter]).
//
// # Errors
//
// Every failure is an [*Error] carrying a [Kind]. Use errors.Is with the
// sentinels ([ErrNotFound], [ErrConflict], ...) or [KindOf]. [MapError] turns
// an error into a [UserMessage] with a support code.
package core
