// Package secret resolves credentials referenced from configuration.
//
// Configuration values go through two steps. First ExpandEnvStrict expands
// ${VAR} references and fails on any that are unset. Then a Resolver
// replaces secret references of the form
//
//	secretref:<provider>:<ref>
//
// either as the whole value or embedded in it ("Bearer secretref:env:KEY").
// The env provider reads an environment variable; the file provider reads a
// file such as a mounted secret volume. Resolved values are never logged.
package secret
