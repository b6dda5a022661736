// Package server implements the bridge's authorization logic.
//
// A Server drives one authorization attempt through its states:
//
//	START -> AWAITING_IDENTITY -> IDENTITY_RESOLVED -> CODE_ISSUED
//	                 \
//	                  -> EXPIRED
//
// StartAuthorization validates the agent's request and parks it as a pending
// authorization keyed by a random bridge session id. The user agent then
// visits the identity provider; the id comes back on the callback, where
// CompleteAuthorization verifies the evidence, resolves the external
// principal to an internal one and issues a one-time code. Redeem burns that
// code and mints the bridge access token.
//
// Nothing here reads cookies or any other ambient browser state. The bridge
// session id is the only correlation between the authorize request and the
// callback.
//
// Example usage:
//
//	store := storage.NewStore(memory.New(), logger)
//	issuer, _ := token.NewIssuer(token.Config{Secret: secret, Issuer: "https://bridge.example.com"})
//
//	srv, err := server.New(provider, store, resolver, issuer, &server.Config{
//	    Issuer: "https://bridge.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
