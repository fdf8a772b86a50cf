// Package client is a Go client for the llmconnect HTTP API.
//
// It submits turns, follows reply streams and reads conversations. Stream
// decodes the server-sent event stream back into relay events, so callers
// see the same token and done sequence the server produced:
//
//	c := client.New("http://localhost:8080", nil)
//	res, err := c.SubmitTurn(ctx, "new", client.Turn{Message: "Hello"})
//	...
//	err = c.Stream(ctx, res.ConversationID, func(ev relay.Event) error {
//	    fmt.Println(ev.Content)
//	    return nil
//	})
//
// Non-2xx responses are returned as *APIError.
package client
