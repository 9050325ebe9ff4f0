// Package device stores registered edge devices and their health.
//
// Each tenant has its own devices table, reached through a Directory:
//
//	repo, err := devices.Repository(ctx, "100000")
//	if err != nil {
//	    return err
//	}
//	err = repo.Create(ctx, &device.Device{DeviceIdentifier: "dev001"})
//
// Health changes arrive two ways only: UpdateStatuses (heartbeats
// reported through the hub) and MarkOffline (the liveness sweep).
package device
