package pb

//go:generate protoc --go_out=. derivation.proto
