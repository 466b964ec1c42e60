// Package cache holds the relay's durable state: the URL index persisted as a
// single JSON document and the content-addressed artifact files stored under
// ResourcesDir/<sha256(url)>.<ext>. Index reads fail open (an unreadable index
// is an empty one) while index writes report their error, so callers can keep
// serving bytes and log the lost cache knowledge. Artifact writes go through a
// temp file + rename so readers never observe a partially written file.
package cache
