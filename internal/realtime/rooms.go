package realtime

// UserRoom groups every connection of one user.
func UserRoom(userID string) string {
	return "user:" + userID
}

// DeviceRoom groups the connections of one user device.
func DeviceRoom(userID, deviceID string) string {
	return "device:" + userID + ":" + deviceID
}

// ProjectRoom groups every member connected to a project.
func ProjectRoom(projectID string) string {
	return "project:" + projectID
}

// EntityRoom groups ad hoc subscribers of one entity.
func EntityRoom(entityType, entityID string) string {
	return "entity:" + entityType + ":" + entityID
}
