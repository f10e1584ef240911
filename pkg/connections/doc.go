// Package connections stores database server profiles. Passwords are sealed
// with the credential cipher before they reach the database, List never
// decrypts them, and Get fails loudly when a stored password does not
// decrypt. At most one connection is the default.
package connections
