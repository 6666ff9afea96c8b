// Package playfab talks to the hosted game backend on behalf of handlers
// and the dev server.
//
// Ownership boundary:
// - server API calls made from handler code
// - outbound http requests made from handler code
// - pass-through forwarding of non-execution routes
// - script upload for publish
// - caller identity parsing from session tickets
package playfab
