package sskstore

// ClientContext carries the request-side collaborators the
// checker needs. It is injected at construction and never
// mutated afterwards.
type ClientContext struct {
	// BootID is the monotonic id of this node session;
	// stamped onto adopted CheckerItems so one boot never
	// adopts the same item twice.
	BootID int64

	// NodeDBHandle identifies the owning node installation
	// inside a shared database.
	NodeDBHandle int64

	// Registry resolves durable getter ids to live
	// requests.
	Registry *GetterRegistry

	// JobRunner is the single-consumer database executor.
	JobRunner *DBJobRunner
}
