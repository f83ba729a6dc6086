// Package cfu holds the data model of the component firmware update engine.
//
// A Device is one updatable component: a primary controller or one of its
// sub-components. Each device carries its update phase (InternalState), a
// Driver that talks to the real component, and a request channel so callers
// can queue work for it without waiting.
//
// Requests and responses are closed sum types:
//
//	RequestData:          FwVersionRequest, PrimaryNeedsSubcomponentFwVersion,
//	                      GiveContent, GiveOffer, PrepareComponentForUpdate,
//	                      FinalizeUpdate
//	InternalResponseData: FwVersionResponse, SubcomponentFwVersionResponse,
//	                      ContentResponse, OfferResponse, ComponentPrepared,
//	                      PrimaryNeedsSubcomponentsPrepared, ComponentBusy
//
// Phase transitions live in package action, the registry in package
// registry, and the client context in package service.
package cfu
