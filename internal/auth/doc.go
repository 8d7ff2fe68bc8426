// Package auth stores the users a SOCKS5 server accepts for RFC 1929
// username/password authentication.
//
// An Authenticator is shared by every session on a server. Lookups run
// concurrently with each other; Add, Remove and Clear are serialized against
// them.
package auth
