/*
Package blobstore stores challenge binary assets content-addressed by
SHA-256.

Blobs live on disk as files/<hex digest>. Put hashes while writing to a
temp file and renames into place, so writes are atomic and idempotent:
the same content always lands at the same name. A successful read of
digest d is guaranteed to return content hashing to d; Verify re-checks a
stored blob and reports corruption as ErrCorrupt, which callers must
treat as fatal.
*/
package blobstore
