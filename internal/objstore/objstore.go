// Package objstore deletes and stats backup archives in object storage.
// Uploads happen inside the FastDeploy job, never here; the cleanup engine
// only ever needs delete and exists.
package objstore

import "context"

// ObjectStore is the gateway used by retention cleanup. Delete must be
// idempotent: deleting an object that is already gone is success, because a
// previous cleanup run may have removed the object and then failed before
// deleting the database record.
type ObjectStore interface {
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}
