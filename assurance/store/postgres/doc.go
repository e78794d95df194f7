// Package postgres provides the durable store.Store implementation backed by
// PostgreSQL. Reads route through a primary/replica resolver; every mutation
// runs inside one database transaction on the primary, with row locks taken
// on the entities the engine reads before it writes, so the engine's atomic
// unit holds under concurrent workers. The same Store also serves as the
// outbox dispatch repository, claiming events with FOR UPDATE SKIP LOCKED.
//
// Schema migrations ship under migrations/ and run through golang-migrate
// when the client connects.
package postgres
