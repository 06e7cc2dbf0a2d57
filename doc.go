/*
Package sskstore is the datastore-facing slice of a
peer-to-peer content-addressed node: self-verifying key
blocks, the local stores that hold them, and the
DatastoreChecker that probes those stores on behalf of
pending retrieval requests.

Two kinds of block exist at this layer. A CHKBlock is
admitted iff its payload hashes to its routing key. An
SSKBlock carries a fixed 1024 byte payload, 142 bytes of
headers, and a DSA signature over a layered SHA-256 hash;
it is admitted only after the signature verifies against
the publisher's public key and the embedded E(H(docname))
matches the node key. Blocks arrive from untrusted peers,
so a block that fails verification is poison, not an
error to retry.

The DatastoreChecker is a single long-lived worker. Each
pending request (transient, or persistent across restarts
via the ItemDB) contributes a key list at a priority
class; the worker drains the lists highest priority
first, transient ahead of persistent at equal priority,
probes the local BlockStore (or a caller supplied
BlockSet), trips found blocks on the request's scheduler,
and hands the rest back through FinishRegister for
network fetch. Persistent bookkeeping happens on a
single-consumer database executor; the worker never
touches the durable database itself.
*/
package sskstore
