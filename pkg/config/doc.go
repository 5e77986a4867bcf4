// Package config loads the worker configuration. Defaults are overlaid by an
// optional YAML file and then by environment variables (SIGNALING_SERVER_URL,
// COCOON_SECRET, COCOON_SETUP_TOKEN, COCOON_NAME, COCOON_SERVICES,
// COCOON_DATA_DIR, COCOON_LOG_LEVEL, COCOON_HEALTH_ADDR). The device secret
// is accepted only from the environment, never from the file.
package config
