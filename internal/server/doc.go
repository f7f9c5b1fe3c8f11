// Package server hosts the Fiber HTTP service, the request middleware chain and
// the origin registry that maps a request Host onto a configured origin.
// Diagnostics routes (/-/*, /proxy.pac) bypass origin resolution and are
// registered by the routes subpackage; everything else is handed to the
// ProxyHandler together with the resolved OriginRoute.
package server
