// Package version хранит имя и версию сборки. Version подменяется при сборке:
//
//	go build -ldflags "-X clofri/internal/support/version.Version=v1.2.3" ./cmd/clofri
package version

// Name — имя приложения.
const Name = "clofri"

// Version — версия сборки.
var Version = "dev"
