package relay

var (
	DatabaseStructure = []string{
		"INVALID SQL, index 0 is not allowed for database updated",

		"CREATE TABLE `devices`(`id` bigint(20) UNSIGNED NOT NULL, `hardware_id` varchar(256) NOT NULL, `owner` varchar(256) DEFAULT NULL, `spot_id` varchar(256) DEFAULT NULL, `token` varchar(256) DEFAULT NULL, `token_expiration` timestamp NULL DEFAULT NULL, `created` timestamp NOT NULL DEFAULT current_timestamp(), `last_heartbeat` timestamp NULL DEFAULT NULL, `battery_level` double DEFAULT NULL, `rssi` int(11) DEFAULT NULL, `occupancy` varchar(32) NOT NULL DEFAULT 'unknown', `last_sensor` blob DEFAULT NULL) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;",
		"ALTER TABLE `devices` ADD UNIQUE KEY `id` (`id`), ADD UNIQUE KEY `hardware_id` (`hardware_id`);",
		"ALTER TABLE `devices` MODIFY `id` bigint(20) UNSIGNED NOT NULL AUTO_INCREMENT;",

		"CREATE TABLE `device_commands`(`id` bigint(20) UNSIGNED NOT NULL, `hardware_id` varchar(256) NOT NULL, `command` varchar(256) NOT NULL, `parameters` blob DEFAULT NULL, `issued_by` varchar(256) NOT NULL, `status` varchar(32) NOT NULL DEFAULT 'queued', `created` timestamp(6) NOT NULL DEFAULT current_timestamp(6), `claimed` timestamp NULL DEFAULT NULL, `executed` timestamp NULL DEFAULT NULL, `result` varchar(256) DEFAULT NULL) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;",
		"ALTER TABLE `device_commands` ADD UNIQUE KEY `id` (`id`), ADD KEY `claim` (`hardware_id`, `status`, `created`);",
		"ALTER TABLE `device_commands` ADD CONSTRAINT `device_commands_hardware_id_lock` FOREIGN KEY (`hardware_id`) REFERENCES `devices` (`hardware_id`);",

		"CREATE TABLE `spots`(`id` varchar(256) NOT NULL, `owner` varchar(256) NOT NULL, `available` tinyint(1) NOT NULL DEFAULT 1, PRIMARY KEY (`id`)) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;",
		"CREATE TABLE `spot_sessions`(`id` bigint(20) UNSIGNED NOT NULL AUTO_INCREMENT, `user` varchar(256) NOT NULL, `spot_id` varchar(256) NOT NULL, `status` varchar(32) NOT NULL DEFAULT 'active', PRIMARY KEY (`id`), KEY `user_spot` (`user`, `spot_id`)) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;",

		"CREATE TABLE `users`(`id` bigint(20) UNSIGNED NOT NULL AUTO_INCREMENT, `email` varchar(256) NOT NULL, `role` varchar(32) NOT NULL DEFAULT 'driver', PRIMARY KEY (`id`), UNIQUE KEY `email` (`email`)) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;",
		"CREATE TABLE `api_keys`(`id` bigint(20) UNSIGNED NOT NULL AUTO_INCREMENT, `token` varchar(256) NOT NULL, `expiration_time` timestamp NOT NULL, `user_id` bigint(20) UNSIGNED NOT NULL, PRIMARY KEY (`id`), UNIQUE KEY `token` (`token`)) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;",
	}
)
