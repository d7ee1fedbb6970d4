// Package server hosts the Fiber HTTP service and the glue that turns the
// loaded configuration into runtime components: the shared upstream HTTP
// client, the ordered source chain, and the optional OCI mirror. The symbol
// proxy handler and diagnostics routes plug into the app built by NewApp;
// keep exports narrow and accept explicit dependencies.
package server
