// Package apiclient implements the authenticated client core for the BSKMT
// admin API: credential lifecycle, token inspection, single-flight refresh,
// request signing, and a request pipeline that recovers from authentication
// failures without corrupting concurrent in-flight requests.
//
// # Architecture
//
// Credential: the access/refresh token pair issued by the API. Credentials are
// owned by a CredentialStore and are only mutated through its Set and Clear
// operations.
//
// Refresh coordination: when the stored access token has expired, the client
// performs at most one refresh exchange at a time. Concurrent requests that
// observe the expired token wait for the in-flight exchange and all resolve
// with the same refreshed credential.
//
// Auth modes: a client is constructed in one of two modes. AuthModeBearer
// attaches "Authorization: Bearer <accessToken>" and participates in the
// refresh protocol. AuthModeSigned attaches an API key plus an HMAC-SHA256
// signature over a canonical request string and never touches session state.
// The mode is fixed at construction; the two are never mixed in one request.
//
// # Basic Usage
//
// Construct a client against the API base URL with a durable credential store:
//
//	store, err := fs.New("", "https://api.bskmt.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := apiclient.New("https://api.bskmt.com",
//	    apiclient.WithCredentialStore(store),
//	)
//
// Establish a session and issue requests:
//
//	session, err := client.Login(ctx, "admin@bskmt.com", "password")
//	...
//	var users []User
//	err = client.Do(ctx, "GET", "/users?page=2", nil, &users)
//
// On process start, Bootstrap resumes a previous session from the store
// without a login round trip:
//
//	session, err := client.Bootstrap(ctx)
//	if !session.Authenticated {
//	    // show the login surface
//	}
//
// When the session cannot be recovered (refresh token rejected, or a request
// fails authentication twice) the client clears the store and publishes an
// AuthEvent; the hosting application subscribes to decide how to surface the
// logged-out state. See the events package for a watermill-backed publisher.
package apiclient
