// Package bootstrap runs a runkit process: it validates the typed
// configuration, initializes the logger, starts registered components in
// order, runs a finite task under signal cancellation and shuts the
// components down again.
//
//	app, err := bootstrap.NewApp(&cfg)
//	app.RegisterComponent(store)
//	err = app.RunTask(ctx, func(ctx context.Context) error {
//	    _, err := eng.StartRun(ctx, req)
//	    return err
//	})
package bootstrap
