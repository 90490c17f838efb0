// Package chatlink maintains one long-lived session per account to an
// external chat-messaging gateway.
//
// A Session composes the lifecycle state machine, the retry scheduler, the
// outbound message queue, a credential store and a protocol driver into one
// orchestrated connection: driver callbacks feed the state machine, failure
// states arm the retry scheduler, and outbound sends flow through the queue
// into the driver.
//
// Example:
//
//	session, err := chatlink.NewSession(drv, store, chatlink.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Cleanup(context.Background())
//
//	sub := session.OnConnectionEvent(func(e chatlink.ConnectionEvent) {
//	    if e.Type == chatlink.EventPairingCode {
//	        fmt.Println("scan to pair:", e.PairingCode)
//	    }
//	})
//	defer sub.Close()
//
//	if err := session.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := session.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Multiple sessions are managed through a registry.Registry, which bounds
// the number of live sessions and sweeps idle ones:
//
//	reg := registry.New(registry.DefaultConfig())
//	reg.Start()
//	defer reg.Stop()
//	reg.Put("alice", session)
package chatlink
