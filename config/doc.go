// Package config loads the evalops configuration file.
//
// A file is YAML. Load reads it, expands ${VAR} references strictly from the
// environment, decodes it over Default, validates it and resolves secretref
// values. The accessors turn the result into the explicit configuration
// structs of the other packages, so nothing outside this package needs to
// know the file format.
//
// Durations are strings in time.ParseDuration form ("250ms", "24h").
//
//	service:
//	  name: evalops
//	cache:
//	  default_ttl: 24h
//	  max_bytes: 67108864
//	store:
//	  backend: badger
//	  badger:
//	    path: /var/lib/evalops/cache
//	resilience:
//	  retry:
//	    max_attempts: 4
//	    strategy: exponential_jitter
//	  breaker:
//	    failure_threshold: 5
//	    cooldown: 30s
//	dispatch:
//	  concurrency_limit: 16
//	invoker:
//	  kind: openai
//	  openai:
//	    api_key: secretref:env:OPENAI_API_KEY
//	    model: gpt-4o-mini
package config
