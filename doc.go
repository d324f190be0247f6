// Package dzplugin is a client for writing chat host plugins.
//
// A plugin connects to the host with a bearer token and then sends
// messages, subscribes to chat events through listeners and registers
// commands:
//
//	client, err := dzplugin.Connect(ctx, "https://devzat.hackclub.com:5556", token)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	session, err := client.RegisterCommand(ctx, dzplugin.CommandDef{
//		Name:        "greet",
//		Description: "Greets someone",
//		ArgsUsage:   "<name>",
//	}, dzplugin.CommandFunc(func(ctx context.Context, inv dzplugin.Invocation) (string, error) {
//		return "Hello " + inv.Args + "!", nil
//	}))
//
// Every listener and command runs as a Session with its own receive loop.
// Events of one session are handled one at a time in arrival order; a
// middleware listener's replacement is written back before the next event
// is read. Errors returned by handlers are reported on Session.Errors and
// never end the session. A broken stream, a rejected credential or a
// replacement from a listener not registered as middleware does.
package dzplugin
