// Package store provides the DynamoDB persistence layer for an
// image-sketchbook application.
//
// The store is the sole authority for reading, writing, and deleting
// users, sessions, images, and timeline entries. It keeps several
// denormalized views of the same entities mutually consistent by
// composing every multi-view write into a single TransactWriteItems
// call: either all views move together or none do.
//
// # Key layout
//
// Everything lives in one table with string attributes pk and sk.
// Each entity type occupies its own partition so prefix scans never
// cross entity types:
//
//	user          / <id>                  -> User
//	user_login    / <login>               -> User (secondary identity)
//	user_session  / <session>             -> User (authentication lookup)
//	user_signin   / <timestamp>#<id>      -> User (append-only audit)
//	oauth         / <session>             -> OauthSession
//	image#<uid>   / <imageId>             -> Image
//	timeline#<nn> / <imageId>             -> TimelineImage
//
// Image ids carry a zero-padded millisecond timestamp prefix, so sort
// key order equals creation-time order and listings come back
// chronologically for free.
//
// # Blob handling
//
// Image payloads are never persisted here. AddImage and UpdateImage
// upload bytes to a [blob.Host] first and commit metadata only after
// the upload succeeds; a crash between the two leaks an orphaned blob
// but never a record pointing at a URL that failed to upload. The
// stream package reclaims orphaned blobs out of band.
//
// # Errors
//
//   - [ErrNotFound] - referenced user or image does not exist
//   - [ErrCommitConflict] - the atomic commit could not be applied; retryable
//   - [blob.UploadError], [blob.FetchError] - blob host failures, passed
//     through unchanged
package store
