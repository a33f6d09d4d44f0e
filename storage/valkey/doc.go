// Package valkey provides a Valkey-backed revocation store shared by all
// gateway instances.
//
// # Key Schema
//
//	{prefix}revoked:{sha256(token)} -> "1" (TTL = remaining revocation lifetime)
//
// Raw tokens never reach Valkey. Re-revoking a token keeps whichever deadline is
// later; the check and write run as one Lua script.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//	    Address: "localhost:6379",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// Tests connect to VALKEY_TEST_ADDR (default localhost:6379) and are skipped
// when no server is reachable.
package valkey
