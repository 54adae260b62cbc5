// Package auth authenticates the dashboard operator.
//
// There is one operator account, configured as a username and an Argon2id
// PHC hash (see HashPassword). A successful login returns a short-lived
// HS256 JWT; the API validates it by signature alone.
package auth
