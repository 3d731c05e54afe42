package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           dreamrelay API
// @version         1.0
// @description     HTTP API for the dream stream relay: live frame delivery,
// @description     playback status and worker lifecycle control.
//
// @contact.name   dreamrelay maintainers
// @contact.url    https://github.com/your-org/dreamrelay
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
