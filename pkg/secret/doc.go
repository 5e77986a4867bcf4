/*
Package secret manages the long-lived device secret.

The secret is the root of the device identity: the coordinator derives the
device id from it and never stores it. Secrets must satisfy a strength
policy (Validate) before they are used or sent anywhere:

  - at least 32 characters and at least 10 distinct characters
  - not numeric only, not lowercase only, not a single repeated character
  - no run of more than 5 identical characters
  - none of the common weak patterns (password, secret, admin, ...)

Store.Load resolves the secret from one of three sources, each with its own
recovery policy:

	source                 weak secret
	environment_override   fatal, the operator must fix the override
	file                   deleted with its device id and regenerated
	ephemeral              generated but not persisted (read-only disk)

Generated secrets are 48 characters from a 64 symbol alphabet, giving 288
bits of entropy.
*/
package secret
