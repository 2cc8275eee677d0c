// Package auth authenticates requests against API keys and bearer tokens.
//
// API keys are presented in the X-API-Key header and looked up by their
// SHA256 hash:
//
//	raw, hash, err := auth.GenerateAPIKey()
//	// raw looks like bst_[base64url(32 random bytes)] and is shown once
//
// Bearer tokens are either HS256 session tokens (JWTValidator) or ID tokens
// from an OpenID Connect provider (OIDCValidator). Combine them with
// ChainValidator.
//
//	authn := auth.NewAuthenticator(store, auth.ChainValidator{jwtValidator, oidcValidator}, logger)
//	ac, err := authn.Authenticate(ctx, r)
//	if auth.IsRejection(err) {
//		msg, detail := auth.RejectionMessage(err)
//		httputil.WriteUnauthorized(w, msg, detail)
//	}
package auth
