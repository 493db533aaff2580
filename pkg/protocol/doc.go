// ABOUTME: Receiver control protocol package
// ABOUTME: Defines control messages and the WebSocket request/response client
// Package protocol implements the control channel spoken with network
// audio receivers.
//
// Messages are JSON envelopes {type, id, payload}. A request and its
// reply share an id; health reports and asynchronous errors arrive
// without one and are delivered on Events.
//
// Example:
//
//	client := protocol.NewClient(protocol.Config{Addr: "10.0.0.7:7000"})
//	err := client.Connect(ctx)
//	var hello protocol.Hello
//	_, err = client.Request(ctx, protocol.TypeHello, myHello, &hello)
package protocol
