// Package session records live relay connections in Redis: which user and
// role each websocket belongs to, which relay process serves it and which
// threads it has joined. Records expire on their own if a relay dies
// without cleaning up.
package session
