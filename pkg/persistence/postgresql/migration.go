package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE projects (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'active')),
				bbox JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_projects_status ON projects(status);

			CREATE TABLE scenarios (
				id BIGSERIAL PRIMARY KEY,
				project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'active')),
				master BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_scenarios_project_id ON scenarios(project_id);
			CREATE UNIQUE INDEX idx_scenarios_master ON scenarios(project_id) WHERE master;

			CREATE TABLE scenarios_settings (
				scenario_id BIGINT NOT NULL REFERENCES scenarios(id) ON DELETE CASCADE,
				key VARCHAR(255) NOT NULL,
				value TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (scenario_id, key)
			);

			CREATE TABLE operations (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				scenario_id BIGINT NOT NULL REFERENCES scenarios(id) ON DELETE CASCADE,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'complete')),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_operations_key ON operations(name, project_id, scenario_id);

			-- At most one running operation per key. The start-time
			-- check-then-insert is racy on its own; the partial unique
			-- index closes it.
			CREATE UNIQUE INDEX idx_operations_running_key
				ON operations(name, project_id, scenario_id)
				WHERE status <> 'complete';

			CREATE TABLE operations_logs (
				id BIGSERIAL PRIMARY KEY,
				operation_id BIGINT NOT NULL REFERENCES operations(id) ON DELETE CASCADE,
				code VARCHAR(255) NOT NULL,
				data JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_operations_logs_operation_id ON operations_logs(operation_id);
		`,
		2: `
			CREATE TABLE projects_aa (
				id BIGSERIAL PRIMARY KEY,
				project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				name VARCHAR(255) NOT NULL,
				type VARCHAR(255) NOT NULL DEFAULT 'Admin Area'
			);

			CREATE INDEX idx_projects_aa_project_id ON projects_aa(project_id);

			CREATE TABLE projects_origins (
				id BIGSERIAL PRIMARY KEY,
				project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				name VARCHAR(255) NOT NULL,
				coordinates JSONB NOT NULL
			);

			CREATE INDEX idx_projects_origins_project_id ON projects_origins(project_id);

			CREATE TABLE projects_origins_indicators (
				id BIGSERIAL PRIMARY KEY,
				origin_id BIGINT NOT NULL REFERENCES projects_origins(id) ON DELETE CASCADE,
				key VARCHAR(255) NOT NULL,
				label VARCHAR(255) NOT NULL,
				value INT NOT NULL
			);

			CREATE TABLE files (
				id BIGSERIAL PRIMARY KEY,
				project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				scenario_id BIGINT REFERENCES scenarios(id) ON DELETE CASCADE,
				name VARCHAR(255) NOT NULL,
				type VARCHAR(255) NOT NULL,
				subtype VARCHAR(255),
				path VARCHAR(1024) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_files_project_type ON files(project_id, type);
			CREATE INDEX idx_files_scenario_type ON files(scenario_id, type);

			CREATE TABLE source_data (
				id BIGSERIAL PRIMARY KEY,
				project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				scenario_id BIGINT REFERENCES scenarios(id) ON DELETE CASCADE,
				name VARCHAR(255) NOT NULL,
				type VARCHAR(50) NOT NULL,
				data JSONB
			);

			CREATE INDEX idx_source_data_project ON source_data(project_id, name);
			CREATE INDEX idx_source_data_scenario ON source_data(scenario_id, name);

			CREATE TABLE wbcatalog_resources (
				id BIGSERIAL PRIMARY KEY,
				source_name VARCHAR(255) NOT NULL,
				resource_id VARCHAR(255) NOT NULL,
				name VARCHAR(512) NOT NULL,
				resource_url VARCHAR(2048) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_wbcatalog_resources_source ON wbcatalog_resources(source_name);
			CREATE INDEX idx_wbcatalog_resources_resource ON wbcatalog_resources(resource_id);
		`,
		3: `
			ALTER TABLE scenarios
				ADD CONSTRAINT scenarios_project_id_name_unique UNIQUE (project_id, name);

			-- One source row per resource of a project or scenario.
			CREATE UNIQUE INDEX idx_source_data_project_name
				ON source_data(project_id, name) WHERE scenario_id IS NULL;
			CREATE UNIQUE INDEX idx_source_data_scenario_name
				ON source_data(scenario_id, name) WHERE scenario_id IS NOT NULL;
		`,
	}
}
