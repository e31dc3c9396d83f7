/*
Package controller wires and owns the lifecycle of the controller-side
components: durable store, blob store, event broker, dispatch core,
liveness monitor and the HTTP API server.

	cfg, _ := config.LoadController(path)
	ctrl, _ := controller.New(cfg)
	err := ctrl.Run(ctx) // blocks until ctx is cancelled

Construction loads the configured challenge set into the store via the
dispatcher's reload diff; Run starts the background tasks and shuts them
down in reverse order on cancellation.
*/
package controller
