/*
Package api defines the core public interfaces of the replicated
state-machine engine. It provides the contracts that users of the library
must implement and the primary types for interacting with a replicated
resource.

# Mandatory user implementations

  - Consumer: the state-machine side of a resource. Committed entries are
    delivered to it in index order, exactly once per process lifetime.

  - Transport: how cluster members exchange frames. A default gRPC-based
    transport ships in the `transport` package and can be used out of the
    box; an in-process transport is provided for tests and single-process
    deployments.

  - Log: durable ordered storage for entries. A file-backed segmented
    implementation ships in the `log` package.
*/
package api
